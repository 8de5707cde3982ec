package auth

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

// testSeed is a fixed Ed25519 seed so expected signatures are stable.
var testSeed = []byte("meshcore-bridge-test-seed-32byte")

// expandSeed returns the MeshCore export form of an Ed25519 seed: the
// clamped scalar followed by the nonce prefix.
func expandSeed(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:]
}

// testIdentity returns the device public key and private key hex as the
// console would print them.
func testIdentity(t *testing.T) (pubHex, privHex string, std ed25519.PrivateKey) {
	t.Helper()
	if len(testSeed) != ed25519.SeedSize {
		t.Fatalf("test seed is %d bytes", len(testSeed))
	}
	std = ed25519.NewKeyFromSeed(testSeed)
	pub := std.Public().(ed25519.PublicKey)
	return strings.ToUpper(hex.EncodeToString(pub)), strings.ToUpper(hex.EncodeToString(expandSeed(testSeed))), std
}

// fakeClock is a settable time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
