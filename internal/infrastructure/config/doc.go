// Package config handles loading and validating the MeshCore bridge configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Loading .env and .env.local files into the environment
//   - Overriding with MCTOMQTT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Brokers are configured either as a list in YAML or through numbered
// environment slots, MCTOMQTT_MQTT1_* to MCTOMQTT_MQTT4_*. A slot that
// appears only in the environment starts disabled until
// MCTOMQTT_MQTT<n>_ENABLED is set.
//
// Security Considerations:
//   - Broker passwords should be set via environment variables
//   - The device private key is never part of the configuration
//
// Usage:
//
//	if err := config.LoadEnvFiles("."); err != nil {
//	    return err
//	}
//	cfg, err := config.Load("configs/meshbridge.yaml")
//	if err != nil {
//	    return err
//	}
package config
