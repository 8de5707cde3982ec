// Package logging provides structured logging for the MeshCore bridge.
//
// This package wraps Go's standard log/slog package so that every component
// logs with the same handler, level and default fields.
//
// # Features
//
//   - JSON output for log shippers
//   - Text output for a terminal or journald
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The --debug flag forces the debug level.
//
// # Security
//
// Never log broker passwords, auth tokens or the device private key.
// Log a prefix when an identifier is needed:
//
//	logger.Info("private key read", "key_prefix", key[:4]+"...")
package logging
