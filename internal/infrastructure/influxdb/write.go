package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the bridge.
const (
	measurementPackets  = "mesh_packets"
	measurementSignal   = "mesh_signal"
	measurementPosition = "mesh_node_position"
)

// WritePacketMetric records one decoded frame heard by origin.
//
// Example:
//
//	client.WritePacketMetric("106A3A...", "Advert", "Flood", 2, 120, time.Now())
func (c *Client) WritePacketMetric(origin, payloadType, routeType string, hops, payloadLen int, ts time.Time) {
	c.write(write.NewPoint(measurementPackets,
		map[string]string{
			"origin":       origin,
			"payload_type": payloadType,
			"route_type":   routeType,
		},
		map[string]any{
			"hops":        hops,
			"payload_len": payloadLen,
		},
		ts,
	))
}

// WriteSignalMetric records the SNR (dB) and RSSI (dBm) of a received frame.
// route is the token the firmware printed (F or D).
func (c *Client) WriteSignalMetric(origin, route string, snr, rssi float64, ts time.Time) {
	c.write(write.NewPoint(measurementSignal,
		map[string]string{
			"origin": origin,
			"route":  route,
		},
		map[string]any{
			"snr":  snr,
			"rssi": rssi,
		},
		ts,
	))
}

// WriteNodePosition records the location a node advertised. The name tag is
// omitted when the advert carried no name.
func (c *Client) WriteNodePosition(publicKey, name string, lat, lon float64, ts time.Time) {
	tags := map[string]string{"public_key": publicKey}
	if name != "" {
		tags["name"] = name
	}
	c.write(write.NewPoint(measurementPosition, tags,
		map[string]any{
			"lat": lat,
			"lon": lon,
		},
		ts,
	))
}
