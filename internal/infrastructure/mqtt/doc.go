// Package mqtt publishes bridge messages to one or more MQTT brokers.
//
// This package manages:
//   - One paho client per configured broker (Connection)
//   - Fan-out publishing across brokers (Fleet)
//   - Per-broker topic templates with {IATA} and {PUBLIC_KEY}
//   - A reconnect schedule shared by every broker (Backoff)
//   - Client rebuilds on authorisation rejection and token rotation
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
//	              ┌─ Connection MQTT1 ── paho ──→ broker A
//	Bridge ─ Fleet┼─ Connection MQTT2 ── paho ──→ broker B
//	              └─ Connection MQTT3 ── paho ──→ broker C
//
// paho's own reconnect is disabled. The bridge loop calls Fleet.Tick on
// every iteration and each Connection decides whether its retry time has
// come. Nothing is queued while a broker is down; messages published with
// no broker connected are dropped and counted.
//
// # Reconnect Policy
//
//   - The delay starts at 1s and grows ×1.5 per failure, capped at 120s
//   - The delay is shared: any broker's failure lengthens it for all
//   - A successful connect on any broker resets it
//   - CONNACK 4 or 5 invalidates the broker's token and rebuilds the client
//   - A token-authenticated broker whose token is near expiry is rebuilt
//     with a fresh token instead of reconnecting with the old one
//
// # Usage
//
//	fleet, err := mqtt.NewFleet(mqtt.FleetOptions{
//	    Bridge:      cfg.Bridge,
//	    Brokers:     cfg.EnabledBrokers(),
//	    Origin:      mqtt.Origin{Name: "node", PublicKey: pub},
//	    Credentials: authManager,
//	    Logger:      log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := fleet.Connect(ctx, 10*time.Second); err != nil {
//	    return err
//	}
//	defer fleet.Close()
//
//	fleet.PublishKind(mqtt.KindRaw, payload, false, mqtt.AllBrokers)
package mqtt
