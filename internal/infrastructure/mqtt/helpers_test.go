package mqtt

import (
	"fmt"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meshcore-bridge/internal/auth"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

const testPublicKey = "106A3A1A5EE3E5D87AA1D0CB3A4C2A4C5E2B6C8D0E1F2A3B4C5D6E7F8091A2B3"

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// stalledToken never completes, like a publish stuck behind a half-open
// socket.
type stalledToken struct {
	done chan struct{}
}

func newStalledToken() *stalledToken { return &stalledToken{done: make(chan struct{})} }

func (t *stalledToken) Wait() bool { <-t.done; return true }
func (t *stalledToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *stalledToken) Done() <-chan struct{} { return t.done }
func (t *stalledToken) Error() error          { return nil }

type fakeMessage struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakeClient records what a Connection asks of paho.
type fakeClient struct {
	opts *pahomqtt.ClientOptions

	mu          sync.Mutex
	connectErrs []error // consumed one per Connect; nil afterwards
	publishErr  error
	stall       bool // publish tokens never complete
	connects    int
	disconnects int
	open        bool
	published   []fakeMessage
}

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	var err error
	if len(c.connectErrs) > 0 {
		err, c.connectErrs = c.connectErrs[0], c.connectErrs[1:]
	}
	c.open = err == nil
	return newFakeToken(err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.open = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.published = append(c.published, fakeMessage{topic: topic, qos: qos, retain: retained, payload: b})
	if c.stall {
		return newStalledToken()
	}
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Published() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeMessage(nil), c.published...)
}

func (c *fakeClient) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// fakeFactory hands out fakeClients; setup customises each new client.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	setup   func(n int, c *fakeClient)
}

func (f *fakeFactory) New(opts *pahomqtt.ClientOptions) pahoClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{opts: opts}
	if f.setup != nil {
		f.setup(len(f.clients), c)
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) Clients() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}

// fakeCreds mints "tok-<n>" passwords and records invalidations.
type fakeCreds struct {
	mu          sync.Mutex
	useToken    bool
	rotate      bool
	err         error
	mints       int
	forced      int
	invalidated []string
}

func (f *fakeCreds) Credentials(_ string, force bool) (auth.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return auth.Credentials{}, f.err
	}
	f.mints++
	if force {
		f.forced++
	}
	return auth.Credentials{
		Username: auth.TokenUsername(testPublicKey),
		Password: fmt.Sprintf("tok-%d", f.mints),
	}, nil
}

func (f *fakeCreds) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func (f *fakeCreds) NeedsRotation(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotate
}

func (f *fakeCreds) UsesToken(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.useToken
}

func (f *fakeCreds) Invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

// testClock is a settable time source safe for use from paho goroutines.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 21, 1, 51, 33, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBroker(name string) config.BrokerConfig {
	return config.BrokerConfig{
		Name:           name,
		Enabled:        true,
		Server:         "broker.example.net",
		Port:           1883,
		Transport:      config.TransportTCP,
		KeepAlive:      120,
		Retain:         true,
		ClientIDPrefix: "meshcore_",
	}
}

func testBridge() config.BridgeConfig {
	return config.BridgeConfig{
		IATA: "SEA",
		Topics: config.TopicsConfig{
			Status:  "meshcore/{IATA}/{PUBLIC_KEY}/status",
			Packets: "meshcore/{IATA}/{PUBLIC_KEY}/packets",
		},
	}
}

// newTestConnection builds a Connection on fakes.
func newTestConnection(t *testing.T, broker config.BrokerConfig, creds *fakeCreds, factory *fakeFactory, clock *testClock) *Connection {
	t.Helper()
	conn, err := NewConnection(ConnectionOptions{
		Number:      1,
		Broker:      broker,
		Bridge:      testBridge(),
		Origin:      Origin{Name: "test-node", PublicKey: testPublicKey},
		Credentials: creds,
		Backoff:     NewBackoff(),
		NewClient:   factory.New,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}
