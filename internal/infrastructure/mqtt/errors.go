package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing through a disconnected broker.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps the reason a connect attempt failed.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotAuthorized is returned when the broker rejects the credentials
	// (CONNACK return code 4 or 5).
	ErrNotAuthorized = errors.New("mqtt: not authorized")

	// ErrNoBrokerConnected is returned when no broker completed its
	// initial connection.
	ErrNoBrokerConnected = errors.New("mqtt: no broker connected")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrDuplicateBroker is returned when two brokers share a name.
	ErrDuplicateBroker = errors.New("mqtt: duplicate broker name")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("mqtt: connection closed")
)
