package meshcore

import (
	"context"
	"fmt"
	"time"
)

// Identity is what the bridge learns about the device at startup.
type Identity struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`

	// PrivateKey is the exported 128-hex-character key, or "" when the
	// firmware does not export it. Token authentication needs it.
	PrivateKey string `json:"-"`

	Radio           string `json:"radio"`
	FirmwareVersion string `json:"firmware_version"`
	Model           string `json:"model"`
}

// HasPrivateKey reports whether token authentication is possible.
func (id Identity) HasPrivateKey() bool {
	return id.PrivateKey != ""
}

// IdentitySource is the console surface used to read the device identity.
// *Console satisfies it.
type IdentitySource interface {
	SyncClock(ctx context.Context, now time.Time) error
	Name(ctx context.Context) (string, error)
	PublicKey(ctx context.Context) (string, error)
	PrivateKey(ctx context.Context) (string, error)
	RadioInfo(ctx context.Context) (string, error)
	FirmwareVersion(ctx context.Context) (string, error)
	BoardType(ctx context.Context) (string, error)
}

// ReadIdentity sets the device clock and reads its identity.
//
// Name, public key and radio info are required: topics, client IDs and
// credentials all derive from them. The private key, firmware version and
// board type are optional and only logged when missing.
func ReadIdentity(ctx context.Context, src IdentitySource, now time.Time, logger Logger) (Identity, error) {
	var id Identity

	if err := src.SyncClock(ctx, now); err != nil {
		logWarn(logger, "failed to set device clock", err)
	}

	var err error
	if id.Name, err = src.Name(ctx); err != nil {
		return Identity{}, fmt.Errorf("%w: name: %w", ErrIdentity, err)
	}
	if id.PublicKey, err = src.PublicKey(ctx); err != nil {
		return Identity{}, fmt.Errorf("%w: public key: %w", ErrIdentity, err)
	}
	if id.PrivateKey, err = src.PrivateKey(ctx); err != nil {
		logWarn(logger, "private key unavailable, token authentication disabled", err)
		id.PrivateKey = ""
	}
	if id.Radio, err = src.RadioInfo(ctx); err != nil {
		return Identity{}, fmt.Errorf("%w: radio info: %w", ErrIdentity, err)
	}
	if id.FirmwareVersion, err = src.FirmwareVersion(ctx); err != nil {
		logWarn(logger, "firmware version unavailable", err)
		id.FirmwareVersion = ""
	}
	if id.Model, err = src.BoardType(ctx); err != nil {
		logWarn(logger, "board type unavailable", err)
		id.Model = ""
	}

	if logger != nil {
		logger.Info("device identity read",
			"name", id.Name,
			"public_key", id.PublicKey,
			"radio", id.Radio,
			"firmware_version", orUnknown(id.FirmwareVersion),
			"model", orUnknown(id.Model),
			"has_private_key", id.HasPrivateKey(),
		)
	}
	return id, nil
}

func logWarn(logger Logger, msg string, err error) {
	if logger != nil {
		logger.Warn(msg, "error", err)
	}
}
