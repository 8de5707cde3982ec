// Package influxdb writes mesh telemetry to InfluxDB v2.
//
// When influxdb.enabled is set the bridge records three measurements:
//   - mesh_packets: one point per decoded frame (payload type, route, hops)
//   - mesh_signal: SNR and RSSI from RX summary lines
//   - mesh_node_position: locations advertised by nodes
//
// Writes are batched and non-blocking. Batch failures are counted in
// meshbridge_influxdb_write_errors_total and passed to the SetOnError
// callback; Connect and HealthCheck return their errors directly.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	telemetry := meshcore.NewTelemetry(client)
package influxdb
