package auth

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// usernamePrefix is prepended to the upper-case device public key to form
// the MQTT username for token authentication.
const usernamePrefix = "v1_"

// Token is a signed broker password together with its lifetime.
type Token struct {
	Value     string
	CreatedAt time.Time
	TTL       time.Duration
}

// Age returns how long ago the token was minted.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// ExpiresAt returns the token's exp claim.
func (t Token) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.TTL)
}

// TokenUsername returns the MQTT username paired with a device token.
func TokenUsername(publicKey string) string {
	return usernamePrefix + strings.ToUpper(publicKey)
}

// CreateToken mints a JWT for the device identified by publicKey.
//
// Claims:
//   - publicKey: device public key, upper-case hex
//   - iat / exp: issue time and issue time plus ttl, unix seconds
//   - aud: broker audience, only when not empty
func CreateToken(key *ExpandedKey, publicKey, audience string, now time.Time, ttl time.Duration) (string, error) {
	if key == nil {
		return "", ErrNoPrivateKey
	}

	claims := jwt.MapClaims{
		"publicKey": strings.ToUpper(publicKey),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}

	signed, err := jwt.NewWithClaims(SigningMethodEd25519, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return signed, nil
}

// ParseToken verifies a device token against pub and returns its claims.
// Expiry is checked against the current time.
func ParseToken(token string, pub ed25519.PublicKey) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(_ *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{SigningMethodEd25519.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, ok := claims["publicKey"].(string); !ok {
		return nil, fmt.Errorf("%w: missing publicKey", ErrInvalidToken)
	}
	return claims, nil
}
