package auth

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

func TestExpandedKey_MatchesStandardLibrary(t *testing.T) {
	pubHex, privHex, std := testIdentity(t)

	key, err := ParseExpandedKey(privHex)
	if err != nil {
		t.Fatalf("ParseExpandedKey() error = %v", err)
	}

	if got := strings.ToUpper(hexString(key.PublicKey())); got != pubHex {
		t.Errorf("PublicKey() = %s, want %s", got, pubHex)
	}

	messages := [][]byte{
		nil,
		[]byte("hello mesh"),
		bytes.Repeat([]byte{0xAB}, 1000),
	}
	for _, msg := range messages {
		got := key.Sign(msg)
		want := ed25519.Sign(std, msg)
		if !bytes.Equal(got, want) {
			t.Errorf("Sign(%d bytes) differs from crypto/ed25519", len(msg))
		}
		if !ed25519.Verify(key.PublicKey(), msg, got) {
			t.Errorf("Sign(%d bytes) does not verify", len(msg))
		}
	}
}

func TestParseExpandedKey_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "not hex", input: strings.Repeat("zz", 64)},
		{name: "too short", input: strings.Repeat("ab", 32)},
		{name: "too long", input: strings.Repeat("ab", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpandedKey(tt.input)
			if !errors.Is(err, ErrInvalidPrivateKey) {
				t.Errorf("ParseExpandedKey() error = %v, want ErrInvalidPrivateKey", err)
			}
		})
	}
}

func TestParseExpandedKey_IgnoresWhitespace(t *testing.T) {
	_, privHex, _ := testIdentity(t)
	spaced := privHex[:64] + " \r\n" + privHex[64:]

	if _, err := ParseExpandedKey(spaced); err != nil {
		t.Errorf("ParseExpandedKey() error = %v", err)
	}
}

func TestSigningMethod_WrongKeyType(t *testing.T) {
	if _, err := SigningMethodEd25519.Sign("x.y", "not a key"); err == nil {
		t.Error("Sign() with string key should fail")
	}
	if err := SigningMethodEd25519.Verify("x.y", nil, []byte("short")); err == nil {
		t.Error("Verify() with []byte key should fail")
	}
}
