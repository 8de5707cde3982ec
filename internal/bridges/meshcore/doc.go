// Package meshcore implements the MeshCore serial console to MQTT bridge.
//
// A MeshCore companion or repeater exposes a line-oriented serial console.
// With packet logging enabled, every frame the radio sees is printed as a
// "U RAW:" line carrying the frame in hex, followed by an RX/TX summary
// line. This package reads those lines, decodes the frames and publishes
// JSON messages to every configured MQTT broker.
//
// # Architecture
//
//	┌──────────────┐  serial   ┌─────────────────┐   MQTT   ┌──────────┐
//	│ MeshCore     │──────────►│  Bridge         │─────────►│ broker 1 │
//	│ radio        │◄──────────│  (this pkg)     │─────────►│ broker N │
//	└──────────────┘  commands └─────────────────┘          └──────────┘
//
// # Wire Format
//
// A frame is a header byte, a path length byte, the path (one byte per hop)
// and the payload:
//
//	pkt, ok := meshcore.Decode("1101C5...")
//	if ok && pkt.IsAdvert() {
//	    fmt.Println(pkt.Path, *pkt.Advert.Name)
//	}
//
// Advert payloads are decoded into an Advertisement: public key, advert
// time, signature, role, optional location and optional name. Signatures
// are not verified.
//
// # Thread Safety
//
// Decode and ParseAdvert are pure. The Bridge loop runs on a single
// goroutine; the Console reader and NodeRecorder are safe for concurrent use.
package meshcore
