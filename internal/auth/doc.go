// Package auth provides MQTT broker credentials for the MeshCore bridge.
//
// Brokers authenticate in one of two ways:
//   - static username and password from the configuration
//   - a JWT signed with the radio's own Ed25519 key, presented as the
//     password with username v1_<PUBLIC KEY>
//
// Tokens are cached per broker and reused until they come within the
// refresh margin of expiry (defaults: one hour lifetime, five minute
// margin). A broker that rejects a token gets a fresh one on the next
// attempt.
//
// MeshCore firmware exports the expanded form of its private key, so
// signing goes through filippo.io/edwards25519 rather than crypto/ed25519.
// The resulting signatures verify with crypto/ed25519.
package auth
