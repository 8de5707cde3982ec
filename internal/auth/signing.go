package auth

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/golang-jwt/jwt/v5"
)

// expandedKeySize is the length of a MeshCore private key: the clamped
// scalar followed by the 32-byte nonce prefix.
const expandedKeySize = 64

// ExpandedKey is an Ed25519 private key in expanded form.
//
// MeshCore devices export SHA-512(seed) rather than the seed itself, so the
// standard library's ed25519.PrivateKey cannot be built from it. Signatures
// produced here are byte-identical to ed25519.Sign for the same key.
type ExpandedKey struct {
	scalar *edwards25519.Scalar
	prefix [32]byte
	public [32]byte
}

// ParseExpandedKey decodes a 128-character hex private key as printed by
// the device console. Spaces and line breaks are ignored.
func ParseExpandedKey(s string) (*ExpandedKey, error) {
	clean := strings.NewReplacer(" ", "", "\r", "", "\n", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	return NewExpandedKey(raw)
}

// NewExpandedKey builds a key from 64 raw bytes.
func NewExpandedKey(raw []byte) (*ExpandedKey, error) {
	if len(raw) != expandedKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidPrivateKey, len(raw), expandedKeySize)
	}

	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(raw[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}

	k := &ExpandedKey{scalar: scalar}
	copy(k.prefix[:], raw[32:])
	copy(k.public[:], new(edwards25519.Point).ScalarBaseMult(scalar).Bytes())
	return k, nil
}

// PublicKey returns the public key derived from the scalar.
func (k *ExpandedKey) PublicKey() ed25519.PublicKey {
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, k.public[:])
	return pub
}

// Sign returns the RFC 8032 Ed25519 signature of msg.
func (k *ExpandedKey) Sign(msg []byte) []byte {
	h := sha512.New()
	h.Write(k.prefix[:])
	h.Write(msg)
	// SetUniformBytes only fails on a length other than 64.
	r, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(R)
	h.Write(k.public[:])
	h.Write(msg)
	c, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))

	S := edwards25519.NewScalar().MultiplyAdd(c, k.scalar, r)

	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, R...)
	return append(sig, S.Bytes()...)
}

// SigningMethodEd25519 signs JWTs with an *ExpandedKey and verifies them
// with an ed25519.PublicKey. The header alg is "Ed25519".
var SigningMethodEd25519 = &signingMethodEd25519{}

type signingMethodEd25519 struct{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodEd25519.Alg(), func() jwt.SigningMethod {
		return SigningMethodEd25519
	})
}

func (*signingMethodEd25519) Alg() string {
	return "Ed25519"
}

func (*signingMethodEd25519) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(*ExpandedKey)
	if !ok || k == nil {
		return nil, jwt.ErrInvalidKeyType
	}
	return k.Sign([]byte(signingString)), nil
}

func (*signingMethodEd25519) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return jwt.ErrInvalidKeyType
	}
	if !ed25519.Verify(pub, []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}
