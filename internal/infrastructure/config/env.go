package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of every environment variable the bridge reads.
const EnvPrefix = "MCTOMQTT_"

// Env file names, loaded in this order; later files override earlier ones.
var envFiles = []string{".env", ".env.local"}

// LoadEnvFiles reads KEY=VALUE pairs from .env and then .env.local in dir
// and exports them. Variables already present in the process environment
// are never overwritten. Missing files are ignored.
func LoadEnvFiles(dir string) error {
	merged := make(map[string]string)
	for _, name := range envFiles {
		vars, err := parseEnvFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		for k, v := range vars {
			merged[k] = v
		}
	}

	for k, v := range merged {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return nil
}

// parseEnvFile parses one env file. Blank lines and lines starting with #
// are skipped; values may be wrapped in matching single or double quotes.
func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from a configured directory
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening env file: %w", err)
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Variables follow the pattern MCTOMQTT_KEY for global settings and
// MCTOMQTT_MQTT<n>_KEY for broker slot n (1..MaxBrokers).
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := getEnv("SERIAL_PORTS"); v != "" {
		cfg.Device.SerialPorts = splitList(v)
	}
	envInt("SERIAL_BAUD_RATE", &cfg.Device.BaudRate)
	envInt("SERIAL_TIMEOUT", &cfg.Device.ReadTimeout)

	// Bridge
	envString("IATA", &cfg.Bridge.IATA)
	envBool("DEBUG", &cfg.Bridge.Debug)
	envString("CLIENT_VERSION", &cfg.Bridge.ClientVersion)
	applyTopicOverrides("TOPIC_", &cfg.Bridge.Topics)

	// Auth
	envInt("TOKEN_TTL", &cfg.Auth.TokenTTL)
	envInt("TOKEN_REFRESH_MARGIN", &cfg.Auth.RefreshMargin)

	// Optional sinks
	envBool("DATABASE_ENABLED", &cfg.Database.Enabled)
	envString("DATABASE_PATH", &cfg.Database.Path)
	envBool("INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	envString("INFLUXDB_URL", &cfg.InfluxDB.URL)
	envString("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)
	envBool("API_ENABLED", &cfg.API.Enabled)
	envInt("API_PORT", &cfg.API.Port)

	// Logging
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)

	// Brokers
	for n := 1; n <= MaxBrokers; n++ {
		prefix := fmt.Sprintf("MQTT%d_", n)
		if !hasEnvWithPrefix(EnvPrefix + prefix) {
			continue
		}
		for len(cfg.Brokers) < n {
			cfg.Brokers = append(cfg.Brokers, defaultBroker())
		}
		applyBrokerOverrides(prefix, &cfg.Brokers[n-1])
	}
}

func applyBrokerOverrides(prefix string, b *BrokerConfig) {
	envBool(prefix+"ENABLED", &b.Enabled)
	envString(prefix+"SERVER", &b.Server)
	envInt(prefix+"PORT", &b.Port)
	envString(prefix+"TRANSPORT", &b.Transport)
	envBool(prefix+"USE_TLS", &b.TLS.Enabled)
	envBool(prefix+"TLS_VERIFY", &b.TLS.Verify)
	envString(prefix+"USERNAME", &b.Username)
	envString(prefix+"PASSWORD", &b.Password)
	envBool(prefix+"USE_AUTH_TOKEN", &b.UseToken)
	envString(prefix+"TOKEN_AUDIENCE", &b.TokenAudience)
	envInt(prefix+"QOS", &b.QoS)
	envBool(prefix+"RETAIN", &b.Retain)
	envInt(prefix+"KEEPALIVE", &b.KeepAlive)
	envString(prefix+"IATA", &b.IATA)
	envString(prefix+"CLIENT_ID_PREFIX", &b.ClientIDPrefix)
	applyTopicOverrides(prefix+"TOPIC_", &b.Topics)
}

func applyTopicOverrides(prefix string, t *TopicsConfig) {
	envString(prefix+"STATUS", &t.Status)
	envString(prefix+"PACKETS", &t.Packets)
	envString(prefix+"RAW", &t.Raw)
	envString(prefix+"DECODED", &t.Decoded)
	envString(prefix+"DEBUG", &t.Debug)
}

func getEnv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func envString(key string, dst *string) {
	if v := getEnv(key); v != "" {
		*dst = v
	}
}

// envInt leaves dst unchanged when the variable is unset or not a number.
func envInt(key string, dst *int) {
	v := getEnv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

// envBool accepts true/1/yes/on as true; any other non-empty value is false.
func envBool(key string, dst *bool) {
	v := getEnv(key)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		*dst = true
	default:
		*dst = false
	}
}

func hasEnvWithPrefix(prefix string) bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
