package auth

import (
	"fmt"
	"sync"
	"time"
)

// Default token lifetime settings.
const (
	DefaultTokenTTL      = time.Hour
	DefaultRefreshMargin = 5 * time.Minute
)

// Logger is the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Credentials is the username and password presented in CONNECT.
type Credentials struct {
	Username string
	Password string
}

// BrokerAuth describes how one broker authenticates.
type BrokerAuth struct {
	// UseToken selects device-signed tokens; otherwise Username and
	// Password are passed through unchanged.
	UseToken bool
	Audience string
	Username string
	Password string
}

// Options configures a Manager.
type Options struct {
	// PublicKey is the device public key in hex.
	PublicKey string

	// PrivateKey is the 64-byte expanded device key in hex. It may be empty
	// when the firmware does not export it; token brokers then fail with
	// ErrNoPrivateKey.
	PrivateKey string

	TTL           time.Duration
	RefreshMargin time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger Logger
}

// Manager issues credentials for each broker and caches device tokens.
//
// A cached token is reused while its age is below TTL minus the refresh
// margin. It is dropped on Invalidate, when forced, or once stale.
//
// Thread Safety: All methods are safe for concurrent use. Credentials is
// called from the bridge loop and Invalidate from paho callbacks.
type Manager struct {
	publicKey string
	key       *ExpandedKey
	ttl       time.Duration
	margin    time.Duration
	clock     func() time.Time
	logger    Logger

	mu      sync.Mutex
	brokers map[string]BrokerAuth
	tokens  map[string]Token
}

// NewManager creates a Manager for one device identity.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		publicKey: opts.PublicKey,
		ttl:       opts.TTL,
		margin:    opts.RefreshMargin,
		clock:     opts.Clock,
		logger:    opts.Logger,
		brokers:   make(map[string]BrokerAuth),
		tokens:    make(map[string]Token),
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTokenTTL
	}
	if m.margin < 0 || m.margin >= m.ttl {
		m.margin = DefaultRefreshMargin
	}
	if m.clock == nil {
		m.clock = time.Now
	}

	if opts.PrivateKey != "" {
		key, err := ParseExpandedKey(opts.PrivateKey)
		if err != nil {
			return nil, err
		}
		m.key = key
	}

	return m, nil
}

// HasPrivateKey reports whether tokens can be minted.
func (m *Manager) HasPrivateKey() bool {
	return m.key != nil
}

// Register records how brokerID authenticates. Registering again replaces
// the settings and drops any cached token.
func (m *Manager) Register(brokerID string, a BrokerAuth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers[brokerID] = a
	delete(m.tokens, brokerID)
}

// UsesToken reports whether brokerID authenticates with device tokens.
func (m *Manager) UsesToken(brokerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brokers[brokerID].UseToken
}

// Credentials returns the username and password for brokerID.
//
// For token brokers a cached token is returned unless forceRefresh is set
// or the token is stale, in which case a new one is minted and cached.
// Static brokers get their configured username and password.
func (m *Manager) Credentials(brokerID string, forceRefresh bool) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.brokers[brokerID]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownBroker, brokerID)
	}
	if !a.UseToken {
		return Credentials{Username: a.Username, Password: a.Password}, nil
	}
	if m.key == nil {
		return Credentials{}, fmt.Errorf("%w: broker %s requires a token", ErrNoPrivateKey, brokerID)
	}

	username := TokenUsername(m.publicKey)
	now := m.clock()

	if cached, ok := m.tokens[brokerID]; ok && !forceRefresh && !m.stale(cached, now) {
		m.log("using cached auth token", "broker", brokerID, "age", cached.Age(now).Round(time.Second))
		return Credentials{Username: username, Password: cached.Value}, nil
	}

	value, err := CreateToken(m.key, m.publicKey, a.Audience, now, m.ttl)
	if err != nil {
		delete(m.tokens, brokerID)
		return Credentials{}, err
	}
	m.tokens[brokerID] = Token{Value: value, CreatedAt: now, TTL: m.ttl}
	m.logInfo("generated auth token", "broker", brokerID, "expires", now.Add(m.ttl).UTC().Format(time.RFC3339))

	return Credentials{Username: username, Password: value}, nil
}

// Invalidate discards the cached token for brokerID. Called when the
// broker rejects the credentials.
func (m *Manager) Invalidate(brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[brokerID]; ok {
		delete(m.tokens, brokerID)
		m.logInfo("cleared cached auth token", "broker", brokerID)
	}
}

// NeedsRotation reports whether brokerID has a cached token that is due
// for replacement.
func (m *Manager) NeedsRotation(brokerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.tokens[brokerID]
	return ok && m.stale(cached, m.clock())
}

// Token returns the cached token for brokerID, if any.
func (m *Manager) Token(brokerID string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[brokerID]
	return t, ok
}

// stale reports whether t has less than the refresh margin left.
func (m *Manager) stale(t Token, now time.Time) bool {
	return t.Age(now) >= m.ttl-m.margin
}

func (m *Manager) log(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, keysAndValues...)
	}
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Info(msg, keysAndValues...)
	}
}
