package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meshcore-bridge/internal/auth"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds a single connect attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is how long an unconfirmed publish is tracked before it counts as failed.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// maxClientIDLength is the MQTT 3.1 client identifier limit.
	maxClientIDLength = 23

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Origin identifies the device the bridge speaks for.
type Origin struct {
	// Name is the device's configured name.
	Name string

	// PublicKey is the device public key in hex.
	PublicKey string
}

var clientIDInvalid = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ClientID builds the MQTT client identifier for broker slot n.
//
// Spaces become underscores, anything outside [A-Za-z0-9_-] is dropped and
// the result is cut to 23 characters. Slots after the first get a "_<n>"
// suffix so one device can hold sessions on several brokers.
func ClientID(prefix, publicKey string, n int) string {
	id := prefix + strings.ReplaceAll(publicKey, " ", "_")
	id = clientIDInvalid.ReplaceAllString(id, "")
	if len(id) > maxClientIDLength {
		id = id[:maxClientIDLength]
	}
	if n > 1 {
		id += fmt.Sprintf("_%d", n)
	}
	return id
}

// brokerURL returns the paho server URL for a broker.
//
//	tcp        → tcp://host:port  (ssl:// with TLS)
//	websockets → ws://host:port/  (wss:// with TLS)
func brokerURL(cfg config.BrokerConfig) string {
	scheme := "tcp"
	path := ""
	switch {
	case cfg.Transport == config.TransportWebsockets && cfg.TLS.Enabled:
		scheme, path = "wss", "/"
	case cfg.Transport == config.TransportWebsockets:
		scheme, path = "ws", "/"
	case cfg.TLS.Enabled:
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Server, cfg.Port, path)
}

// effectiveQoS returns the QoS actually used on the wire. QoS 1 is sent as
// 0 because redelivery of unacknowledged packets causes retry storms on
// lossy uplinks.
func effectiveQoS(qos int) byte {
	if qos == 1 {
		return 0
	}
	return byte(qos) //nolint:gosec // validated to 0..2 by config
}

// willTimestampLayout matches the timestamps of the bridge's own messages.
const willTimestampLayout = "2006-01-02T15:04:05.000000"

// willMessage is the Last Will and Testament published by the broker if
// the bridge drops off without a clean disconnect.
type willMessage struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Origin    string `json:"origin"`
	OriginID  string `json:"origin_id"`
}

// buildWillPayload returns the offline LWT payload.
func buildWillPayload(origin Origin, now time.Time) []byte {
	payload, _ := json.Marshal(willMessage{ //nolint:errchkjson // fixed string fields
		Status:    "offline",
		Timestamp: now.Format(willTimestampLayout),
		Origin:    origin.Name,
		OriginID:  origin.PublicKey,
	})
	return payload
}

// buildClientOptions creates paho options for one broker.
//
// This configures:
//   - Broker URL (tcp/ssl/ws/wss)
//   - Client ID and credentials
//   - Persistent session (clean session off)
//   - No paho-managed reconnect; Connection owns the schedule
//   - TLS, with verification unless disabled for the broker
//   - Keepalive and LWT
func buildClientOptions(cfg config.BrokerConfig, clientID string, creds auth.Credentials, willTopic string, will []byte) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(clientID)

	if creds.Username != "" {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}

	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	opts.SetOrderMatters(false)

	if cfg.TLS.Enabled {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: !cfg.TLS.Verify, //nolint:gosec // operator opt-out per broker
		})
	}

	if willTopic != "" {
		opts.SetBinaryWill(willTopic, will, byte(cfg.QoS), cfg.Retain) //nolint:gosec // validated to 0..2 by config
	}

	return opts
}
