package mqtt

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	mochipackets "github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

// Tests in this file run real paho clients against an embedded broker.

// recordingHook refuses the first rejectFirst connects and records
// passwords and published topics.
type recordingHook struct {
	mochi.HookBase

	mu          sync.Mutex
	rejectFirst int
	passwords   []string
	topics      []string
}

func (h *recordingHook) ID() string {
	return "recording-hook"
}

func (h *recordingHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
		mochi.OnPublish,
	}, []byte{b})
}

func (h *recordingHook) OnConnectAuthenticate(_ *mochi.Client, pk mochipackets.Packet) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passwords = append(h.passwords, string(pk.Connect.Password))
	return len(h.passwords) > h.rejectFirst
}

func (h *recordingHook) OnACLCheck(_ *mochi.Client, _ string, _ bool) bool {
	return true
}

func (h *recordingHook) OnPublish(_ *mochi.Client, pk mochipackets.Packet) (mochipackets.Packet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, pk.TopicName)
	return pk, nil
}

func (h *recordingHook) Passwords() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.passwords...)
}

func (h *recordingHook) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.topics...)
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startBroker runs an embedded broker with hook and returns its port.
func startBroker(t *testing.T, hook *recordingHook) int {
	t.Helper()

	port := freePort(t)
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, server.AddHook(hook, nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "test-tcp",
		Address: "127.0.0.1:" + strconv.Itoa(port),
	})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	// Serve starts listeners asynchronously.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return port
}

func localBroker(name string, port int) config.BrokerConfig {
	b := testBroker(name)
	b.Server = "127.0.0.1"
	b.Port = port
	b.KeepAlive = 30
	return b
}

func TestBroker_AuthRejectionRecreatesClient(t *testing.T) {
	hook := &recordingHook{rejectFirst: 1}
	port := startBroker(t, hook)
	creds := &fakeCreds{useToken: true}

	conn, err := NewConnection(ConnectionOptions{
		Number:         1,
		Broker:         localBroker("MQTT1", port),
		Bridge:         testBridge(),
		Origin:         Origin{Name: "test-node", PublicKey: testPublicKey},
		Credentials:    creds,
		Backoff:        NewBackoff(),
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	conn.Start()
	err = conn.WaitFirst(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, []string{"MQTT1"}, creds.Invalidated())
	firstSession := conn.Status().Session

	conn.Tick(time.Now().Add(time.Minute))
	require.Eventually(t, conn.Connected, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"tok-1", "tok-2"}, hook.Passwords())
	assert.NotEqual(t, firstSession, conn.Status().Session)

	require.NoError(t, conn.Publish("meshcore/SEA/test/packets", []byte(`{"ok":true}`), false))
	require.Eventually(t, func() bool {
		for _, topic := range hook.Topics() {
			if topic == "meshcore/SEA/test/packets" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_FleetSurvivesUnreachableBroker(t *testing.T) {
	hook := &recordingHook{}
	port := startBroker(t, hook)

	fleet, err := NewFleet(FleetOptions{
		Bridge: testBridge(),
		Brokers: []config.BrokerSlot{
			{Number: 1, Broker: localBroker("up", port)},
			{Number: 2, Broker: localBroker("down", freePort(t))},
		},
		Origin:         Origin{Name: "test-node", PublicKey: testPublicKey},
		Credentials:    &fakeCreds{},
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(fleet.Close)

	require.NoError(t, fleet.Connect(context.Background(), 5*time.Second))

	statuses := fleet.Statuses()
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)

	assert.True(t, fleet.PublishKind(KindPackets, []byte(`{"type":"PACKET"}`), false, AllBrokers))
	want := "meshcore/SEA/" + testPublicKey + "/packets"
	require.Eventually(t, func() bool {
		for _, topic := range hook.Topics() {
			if topic == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
