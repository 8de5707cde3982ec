package meshcore

import "errors"

// Domain errors for the MeshCore bridge package.
var (
	// ErrInvalidHex is returned when a frame line is not valid hexadecimal.
	ErrInvalidHex = errors.New("meshcore: frame is not valid hex")

	// ErrFrameTooShort is returned when a frame has fewer than the two header bytes.
	ErrFrameTooShort = errors.New("meshcore: frame too short")

	// ErrPathOverrun is returned when the declared path length exceeds the frame.
	ErrPathOverrun = errors.New("meshcore: path length exceeds frame")

	// ErrNoSerialPort is returned when none of the configured serial ports can be opened.
	ErrNoSerialPort = errors.New("meshcore: no serial port available")

	// ErrConsoleClosed is returned when a command is sent to a closed console.
	ErrConsoleClosed = errors.New("meshcore: console closed")

	// ErrNoReply is returned when the device reply does not contain the expected marker.
	ErrNoReply = errors.New("meshcore: no reply from device")

	// ErrIdentity is returned when a required identity field cannot be read from the device.
	ErrIdentity = errors.New("meshcore: device identity unavailable")

	// ErrNoBroker is returned when no broker accepts a connection during startup.
	ErrNoBroker = errors.New("meshcore: no broker connected")

	// ErrNotStarted is returned by Run when Start has not succeeded.
	ErrNotStarted = errors.New("meshcore: bridge not started")
)
