package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/logging"
)

const testPublicKey = "3B6A27BCCEB6A42D62A3A8D02A6F0D73653215771DE243A63AC048A18B59DA29"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func testParams(t *testing.T, configPath string) cli {
	t.Helper()
	// An empty env dir keeps a developer's .env out of the tests.
	return cli{Config: configPath, EnvDir: t.TempDir()}
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, testParams(t, "/nonexistent/path/config.yaml"))
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_NoBrokers verifies validation rejects a config without brokers.
func TestRun_NoBrokers(t *testing.T) {
	path := writeConfig(t, `
device:
  serial_ports: ["/dev/null"]
brokers: []
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, testParams(t, path))
	if err == nil {
		t.Fatal("run() should fail without brokers")
	}
	if !strings.Contains(err.Error(), "validating config") {
		t.Errorf("error = %v, want validation failure", err)
	}
}

// TestRun_NoSerialPort verifies run stops when no serial port opens.
func TestRun_NoSerialPort(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ttyMISSING")
	path := writeConfig(t, `
device:
  serial_ports: ["`+missing+`"]
brokers:
  - server: "127.0.0.1"
    port: 1883
logging:
  level: error
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, testParams(t, path))
	if err == nil {
		t.Fatal("run() should fail when the serial port is missing")
	}
	if !errors.Is(err, meshcore.ErrNoSerialPort) {
		t.Errorf("error = %v, want ErrNoSerialPort", err)
	}
}

// TestRun_DatabaseMigrated verifies the node registry is created and
// migrated before the console is opened.
func TestRun_DatabaseMigrated(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "nodes.db")
	path := writeConfig(t, `
device:
  serial_ports: ["`+filepath.Join(dir, "ttyMISSING")+`"]
brokers:
  - server: "127.0.0.1"
database:
  enabled: true
  path: "`+dbPath+`"
logging:
  level: error
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, testParams(t, path)); !errors.Is(err, meshcore.ErrNoSerialPort) {
		t.Fatalf("run() error = %v, want ErrNoSerialPort", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestLoadConfig_DebugFlag(t *testing.T) {
	path := writeConfig(t, `
device:
  serial_ports: ["/dev/ttyUSB0"]
brokers:
  - server: "127.0.0.1"
`)
	params := testParams(t, path)
	params.Debug = true

	cfg, err := loadConfig(params)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if !cfg.Bridge.Debug {
		t.Error("Bridge.Debug = false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	env := "MCTOMQTT_MQTT1_ENABLED=true\nMCTOMQTT_MQTT1_SERVER=env.example.com\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("MCTOMQTT_MQTT1_ENABLED")
		os.Unsetenv("MCTOMQTT_MQTT1_SERVER")
	})

	cfg, err := loadConfig(cli{EnvDir: dir})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	slots := cfg.EnabledBrokers()
	if len(slots) != 1 || slots[0].Broker.Server != "env.example.com" {
		t.Errorf("EnabledBrokers() = %+v", slots)
	}
}

func TestCLI_Flags(t *testing.T) {
	var params cli
	parser := kong.Must(&params, kong.Name("meshbridge"), kong.Vars{"version": "test"})

	if _, err := parser.Parse([]string{"--config", "/etc/meshbridge.yaml", "--debug", "--env-dir", "/srv"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if params.Config != "/etc/meshbridge.yaml" {
		t.Errorf("Config = %q", params.Config)
	}
	if !params.Debug {
		t.Error("Debug = false, want true")
	}
	if params.EnvDir != "/srv" {
		t.Errorf("EnvDir = %q, want /srv", params.EnvDir)
	}
}

func TestNewFleet(t *testing.T) {
	path := writeConfig(t, `
device:
  serial_ports: ["/dev/ttyUSB0"]
brokers:
  - server: "one.example.com"
  - server: "two.example.com"
    use_token: true
    token_audience: "two.example.com"
  - server: "off.example.com"
    enabled: false
`)
	cfg, err := loadConfig(testParams(t, path))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	tests := []struct {
		name       string
		privateKey string
	}{
		{"no private key", ""},
		{"unusable private key", "not-a-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleet, err := newFleet(cfg, meshcore.Identity{
				Name:       "Observer",
				PublicKey:  testPublicKey,
				PrivateKey: tt.privateKey,
			}, quietLogger())
			if err != nil {
				t.Fatalf("newFleet() error = %v", err)
			}
			defer fleet.Close()

			statuses := fleet.Statuses()
			if len(statuses) != 2 {
				t.Fatalf("len(Statuses()) = %d, want 2", len(statuses))
			}
			if statuses[0].Name != "MQTT1" || statuses[1].Name != "MQTT2" {
				t.Errorf("broker names = %q, %q", statuses[0].Name, statuses[1].Name)
			}
			if fleet.AnyConnected() {
				t.Error("AnyConnected() = true before Connect")
			}
		})
	}
}
