package meshcore

import (
	"strconv"
	"time"
)

// TelemetryWriter receives mesh time series. *influxdb.Client satisfies it.
type TelemetryWriter interface {
	WritePacketMetric(origin, payloadType, routeType string, hops, payloadLen int, ts time.Time)
	WriteSignalMetric(origin, route string, snr, rssi float64, ts time.Time)
	WriteNodePosition(publicKey, name string, lat, lon float64, ts time.Time)
}

// Telemetry turns decoded frames and RX summaries into time series points.
// Register it with the Bridge as both a PacketObserver and a SummaryObserver.
type Telemetry struct {
	w TelemetryWriter
}

// NewTelemetry creates a telemetry observer writing to w.
func NewTelemetry(w TelemetryWriter) *Telemetry {
	return &Telemetry{w: w}
}

// ObservePacket writes a packet point, plus a position point for adverts
// that carry a location.
func (t *Telemetry) ObservePacket(originID string, pkt *Packet, at time.Time) {
	if pkt == nil {
		return
	}
	t.w.WritePacketMetric(originID, pkt.Header.PayloadType.String(), pkt.Header.RouteType.String(),
		len(pkt.Path), len(pkt.Payload), at)

	a := pkt.Advert
	if a == nil || a.PublicKey == "" || !a.HasLocation() {
		return
	}
	var name string
	if a.Name != nil {
		name = *a.Name
	}
	t.w.WriteNodePosition(a.PublicKey, name, *a.Lat, *a.Lon, at)
}

// ObserveSummary writes a signal point for RX summaries that report SNR and RSSI.
func (t *Telemetry) ObserveSummary(msg PacketMessage, at time.Time) {
	if msg.SNR == nil || msg.RSSI == nil {
		return
	}
	snr, err := strconv.ParseFloat(*msg.SNR, 64)
	if err != nil {
		return
	}
	rssi, err := strconv.ParseFloat(*msg.RSSI, 64)
	if err != nil {
		return
	}
	t.w.WriteSignalMetric(msg.OriginID, msg.Route, snr, rssi, at)
}
