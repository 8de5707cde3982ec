// Package api implements the HTTP status API and live packet feed of the bridge.
//
// This package provides:
//   - Health and broker connection status endpoints
//   - The registry of nodes heard advertising (when the database is enabled)
//   - Prometheus metrics on /metrics
//   - A WebSocket hub broadcasting decoded packets and summaries as they arrive
//   - Middleware stack (request ID, logging, recovery)
//
// # Architecture
//
// The API is read-only. It never touches the serial console or the brokers;
// it reads snapshots from the fleet, the bridge and the node recorder. The
// WebSocket hub is registered with the bridge as a packet and summary
// observer, so clients see the same traffic the brokers receive.
//
// # Graceful Degradation
//
// The node endpoint answers 503 when no node store is configured; everything
// else works with only a fleet and a bridge.
package api
