package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxBrokers is the number of numbered broker slots (MQTT1..MQTT4) that can
// be configured from the environment.
const MaxBrokers = 4

// Transport values for BrokerConfig.Transport.
const (
	TransportTCP        = "tcp"
	TransportWebsockets = "websockets"
)

// Config is the root configuration structure for the MeshCore bridge.
// Configuration is loaded from an optional YAML file and can be overridden by
// MCTOMQTT_* environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Brokers  []BrokerConfig `yaml:"brokers"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig contains serial console settings for the radio.
type DeviceConfig struct {
	// SerialPorts are tried in order; the first that opens is used.
	SerialPorts []string `yaml:"serial_ports"`
	BaudRate    int      `yaml:"baud_rate"`

	// ReadTimeout is the serial read timeout in seconds.
	ReadTimeout int `yaml:"read_timeout"`

	// ReplyWait is how long to collect a command reply, in milliseconds.
	// Key queries wait twice as long.
	ReplyWait int `yaml:"reply_wait"`
}

// BridgeConfig contains settings for the bridge loop and message routing.
type BridgeConfig struct {
	// IATA is the default region code substituted for {IATA} in topics.
	IATA   string       `yaml:"iata"`
	Topics TopicsConfig `yaml:"topics"`

	// Debug forwards DEBUG console lines to the debug topic.
	Debug bool `yaml:"debug"`

	// PollInterval is the loop sleep between serial polls, in milliseconds.
	PollInterval int `yaml:"poll_interval"`

	// ConnectTimeout bounds the wait for each broker's first connect attempt, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// InitialRetries is the number of startup rounds before giving up on brokers.
	InitialRetries int `yaml:"initial_retries"`

	// ClientVersion is reported in status messages.
	ClientVersion string `yaml:"client_version"`
}

// TopicsConfig holds topic templates. Templates may contain {IATA} and
// {PUBLIC_KEY}. An empty template disables that message kind.
type TopicsConfig struct {
	Status  string `yaml:"status"`
	Packets string `yaml:"packets"`
	Raw     string `yaml:"raw"`
	Decoded string `yaml:"decoded"`
	Debug   string `yaml:"debug"`
}

// BrokerConfig describes one MQTT broker.
type BrokerConfig struct {
	// Name identifies the broker in logs and metrics. Defaults to MQTT<n>.
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`

	// Transport is "tcp" or "websockets".
	Transport string          `yaml:"transport"`
	TLS       BrokerTLSConfig `yaml:"tls"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// UseToken authenticates with a device-signed token instead of the
	// static username and password.
	UseToken      bool   `yaml:"use_token"`
	TokenAudience string `yaml:"token_audience"`

	QoS       int  `yaml:"qos"`
	Retain    bool `yaml:"retain"`
	KeepAlive int  `yaml:"keepalive"`

	// IATA overrides Bridge.IATA for this broker's topics.
	IATA           string       `yaml:"iata"`
	ClientIDPrefix string       `yaml:"client_id_prefix"`
	Topics         TopicsConfig `yaml:"topics"`
}

// BrokerTLSConfig contains per-broker TLS settings.
type BrokerTLSConfig struct {
	Enabled bool `yaml:"enabled"`
	Verify  bool `yaml:"verify"`
}

// AuthConfig contains token lifetime settings, in seconds.
type AuthConfig struct {
	TokenTTL      int `yaml:"token_ttl"`
	RefreshMargin int `yaml:"refresh_margin"`
}

// DatabaseConfig contains SQLite settings for the node registry.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the status API settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the live packet feed.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds the configuration.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, if path is not empty
//  3. Environment variables (override file values)
//
// Call LoadEnvFiles first to pick up .env and .env.local.
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.nameBrokers()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the bridge defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			SerialPorts: []string{"/dev/ttyACM0"},
			BaudRate:    115200,
			ReadTimeout: 2,
			ReplyWait:   500,
		},
		Bridge: BridgeConfig{
			IATA:           "XXX",
			PollInterval:   10,
			ConnectTimeout: 10,
			InitialRetries: 10,
			ClientVersion:  "meshcoretomqtt/unknown",
		},
		Auth: AuthConfig{
			TokenTTL:      3600,
			RefreshMargin: 300,
		},
		Database: DatabaseConfig{
			Path:        "./data/meshbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// defaultBroker returns the settings a broker starts from before the file
// or environment fill it in.
func defaultBroker() BrokerConfig {
	return BrokerConfig{
		Port:           1883,
		Transport:      TransportTCP,
		TLS:            BrokerTLSConfig{Verify: true},
		Retain:         true,
		KeepAlive:      120,
		ClientIDPrefix: "meshcore_",
	}
}

// UnmarshalYAML applies broker defaults before decoding so that keys
// omitted from the file keep their default rather than the zero value.
// Brokers listed in the file are enabled unless they say otherwise.
func (b *BrokerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BrokerConfig
	p := plain(defaultBroker())
	p.Enabled = true
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BrokerConfig(p)
	return nil
}

// nameBrokers gives every unnamed broker its slot name.
func (c *Config) nameBrokers() {
	for i := range c.Brokers {
		if c.Brokers[i].Name == "" {
			c.Brokers[i].Name = fmt.Sprintf("MQTT%d", i+1)
		}
	}
}

// EnabledBrokers returns the enabled brokers together with their 1-based slot number.
func (c *Config) EnabledBrokers() []BrokerSlot {
	var slots []BrokerSlot
	for i, b := range c.Brokers {
		if b.Enabled {
			slots = append(slots, BrokerSlot{Number: i + 1, Broker: b})
		}
	}
	return slots
}

// BrokerSlot pairs a broker with its position in the configuration.
type BrokerSlot struct {
	Number int
	Broker BrokerConfig
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device validation
	if len(c.Device.SerialPorts) == 0 {
		errs = append(errs, "device.serial_ports must list at least one port")
	}
	if c.Device.BaudRate <= 0 {
		errs = append(errs, "device.baud_rate must be positive")
	}

	// Bridge validation
	if c.Bridge.IATA == "" {
		errs = append(errs, "bridge.iata is required")
	}
	if c.Bridge.PollInterval <= 0 {
		errs = append(errs, "bridge.poll_interval must be positive")
	}
	if c.Bridge.ConnectTimeout <= 0 {
		errs = append(errs, "bridge.connect_timeout must be positive")
	}
	if c.Bridge.InitialRetries <= 0 {
		errs = append(errs, "bridge.initial_retries must be positive")
	}

	// Broker validation. Names identify brokers to the credential manager
	// and publish routing, so enabled brokers must not share one.
	enabled := 0
	names := make(map[string]int)
	for i, b := range c.Brokers {
		if !b.Enabled {
			continue
		}
		enabled++
		errs = append(errs, b.validate(i+1)...)

		name := b.Name
		if name == "" {
			name = fmt.Sprintf("MQTT%d", i+1)
		}
		if prev, ok := names[name]; ok {
			errs = append(errs, fmt.Sprintf("brokers[%d].name %q is already used by brokers[%d]", i+1, name, prev))
		} else {
			names[name] = i + 1
		}
	}
	if enabled == 0 {
		errs = append(errs, "at least one broker must be enabled")
	}

	// Auth validation
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if c.Auth.RefreshMargin < 0 || c.Auth.RefreshMargin >= c.Auth.TokenTTL {
		errs = append(errs, "auth.refresh_margin must be between 0 and auth.token_ttl")
	}

	// Optional sinks
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks one enabled broker. n is its 1-based slot number.
func (b BrokerConfig) validate(n int) []string {
	var errs []string
	prefix := fmt.Sprintf("brokers[%d]", n)

	if b.Server == "" {
		errs = append(errs, prefix+".server is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, prefix+".port must be between 1 and 65535")
	}
	if b.Transport != TransportTCP && b.Transport != TransportWebsockets {
		errs = append(errs, prefix+`.transport must be "tcp" or "websockets"`)
	}
	if b.QoS < 0 || b.QoS > 2 {
		errs = append(errs, prefix+".qos must be 0, 1, or 2")
	}
	if b.KeepAlive < 0 {
		errs = append(errs, prefix+".keepalive must not be negative")
	}
	return errs
}

// GetPollInterval returns the bridge loop sleep as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Millisecond
}

// GetConnectTimeout returns the per-broker startup wait as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Bridge.ConnectTimeout) * time.Second
}

// GetReplyWait returns the console reply collection window as a Duration.
func (c *Config) GetReplyWait() time.Duration {
	return time.Duration(c.Device.ReplyWait) * time.Millisecond
}

// GetTokenTTL returns the token lifetime as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTL) * time.Second
}

// GetRefreshMargin returns the token refresh margin as a Duration.
func (c *Config) GetRefreshMargin() time.Duration {
	return time.Duration(c.Auth.RefreshMargin) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
