package auth

import "errors"

// Domain errors for broker credentials.
var (
	// ErrNoPrivateKey is returned when a token is needed but the device did
	// not provide a private key.
	ErrNoPrivateKey = errors.New("auth: device private key not available")

	// ErrInvalidPrivateKey is returned when the device key is not 64 bytes of hex.
	ErrInvalidPrivateKey = errors.New("auth: invalid device private key")

	// ErrUnknownBroker is returned for a broker that was never registered.
	ErrUnknownBroker = errors.New("auth: unknown broker")

	// ErrSigningFailed is returned when a token cannot be signed.
	ErrSigningFailed = errors.New("auth: token signing failed")

	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)
