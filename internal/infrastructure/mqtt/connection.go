package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/nerrad567/meshcore-bridge/internal/auth"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// CredentialSource supplies per-broker credentials. *auth.Manager satisfies it.
type CredentialSource interface {
	Credentials(brokerID string, forceRefresh bool) (auth.Credentials, error)
	Invalidate(brokerID string)
	NeedsRotation(brokerID string) bool
	UsesToken(brokerID string) bool
}

// pahoClient is the subset of pahomqtt.Client a Connection drives.
type pahoClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
}

// ClientFactory builds a paho client from options.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahoClient

func defaultClientFactory(opts *pahomqtt.ClientOptions) pahoClient {
	return pahomqtt.NewClient(opts)
}

// State is the lifecycle state of a Connection.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the broker accepted the session.
	StateConnected
	// StateAwaitingRetry means the connection is down until reconnectAt.
	StateAwaitingRetry
	// StateClosed means Close was called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	// Number is the 1-based broker slot. Required.
	Number int

	// Broker is the broker's configuration. Required.
	Broker config.BrokerConfig

	// Bridge supplies topic and IATA defaults for the LWT topic.
	Bridge config.BridgeConfig

	// Origin identifies the device. Required.
	Origin Origin

	// Credentials supplies username/password or tokens. Required.
	Credentials CredentialSource

	// Backoff is the reconnect delay shared by every connection. Required.
	Backoff *Backoff

	// ConnectTimeout bounds each connect attempt (default 10s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds how long an unconfirmed publish is tracked,
	// and so how long Close waits for it (default 5s).
	PublishTimeout time.Duration

	// NewClient overrides paho client construction (tests).
	NewClient ClientFactory

	// Clock overrides time.Now (tests).
	Clock func() time.Time

	// Logger is optional.
	Logger Logger
}

// Status is a point-in-time view of a Connection.
type Status struct {
	Name        string    `json:"name"`
	Number      int       `json:"number"`
	Server      string    `json:"server"`
	Port        int       `json:"port"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Session     string    `json:"session,omitempty"`
	ReconnectAt time.Time `json:"reconnect_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connection owns one paho client for one broker and decides when it
// reconnects or is rebuilt.
//
// State transitions:
//
//	idle → connecting            Start
//	connecting → connected       broker accepted the session
//	connecting → awaiting_retry  attempt failed or was refused
//	connected → awaiting_retry   connection lost
//	awaiting_retry → connecting  Tick with now ≥ reconnectAt
//	any → closed                 Close
//
// Callbacks from paho carry the session id they were created with; a
// callback whose session no longer matches is ignored.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Connection struct {
	number         int
	name           string
	cfg            config.BrokerConfig
	bridge         config.BridgeConfig
	origin         Origin
	creds          CredentialSource
	backoff        *Backoff
	newClient      ClientFactory
	clock          func() time.Time
	logger         Logger
	connectTimeout time.Duration
	publishTimeout time.Duration

	// pending counts publishes handed to paho whose token has not settled.
	pending sync.WaitGroup

	mu            sync.Mutex
	client        pahoClient
	session       string
	state         State
	reconnectAt   time.Time
	needsRecreate bool
	// recreateReason labels the next rebuild for metrics and logs.
	recreateReason string
	lastErr        error
	onConnect      func(broker string)

	// current is the in-flight or most recent connect attempt.
	current *attempt

	firstDone chan struct{}
	firstOnce sync.Once
	firstErr  error
}

// attempt signals the outcome of one connect attempt.
type attempt struct {
	done  chan struct{}
	err   error
	ended bool
}

// NewConnection creates an idle Connection. Call Start to begin connecting.
func NewConnection(opts ConnectionOptions) (*Connection, error) {
	if opts.Number < 1 {
		return nil, fmt.Errorf("mqtt connection: broker number must be positive, got %d", opts.Number)
	}
	if opts.Broker.Server == "" {
		return nil, fmt.Errorf("mqtt connection: broker %d has no server", opts.Number)
	}
	if opts.Credentials == nil {
		return nil, errors.New("mqtt connection: credential source is required")
	}
	if opts.Backoff == nil {
		return nil, errors.New("mqtt connection: backoff is required")
	}

	c := &Connection{
		number:         opts.Number,
		name:           opts.Broker.Name,
		cfg:            opts.Broker,
		bridge:         opts.Bridge,
		origin:         opts.Origin,
		creds:          opts.Credentials,
		backoff:        opts.Backoff,
		newClient:      opts.NewClient,
		clock:          opts.Clock,
		logger:         opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		publishTimeout: opts.PublishTimeout,
		firstDone:      make(chan struct{}),
	}
	if c.name == "" {
		c.name = fmt.Sprintf("MQTT%d", opts.Number)
	}
	if c.newClient == nil {
		c.newClient = defaultClientFactory
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaultPublishTimeout
	}
	return c, nil
}

// Name returns the broker name used for logging, metrics and credentials.
func (c *Connection) Name() string {
	return c.name
}

// Number returns the 1-based broker slot.
func (c *Connection) Number() int {
	return c.number
}

// Config returns the broker configuration.
func (c *Connection) Config() config.BrokerConfig {
	return c.cfg
}

// SetOnConnect registers a callback run after each successful connect.
// It runs outside the connection lock and may publish on this connection.
func (c *Connection) SetOnConnect(fn func(broker string)) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// Start builds the first client and begins connecting. It does not block;
// use WaitFirst to wait for the outcome of the first attempt.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.beginAttemptLocked()
	client, session, err := c.buildClientLocked(false)
	if err != nil {
		c.mu.Unlock()
		c.handleConnectFailure("", err)
		return
	}
	c.mu.Unlock()

	c.attempt(client, session)
}

// WaitFirst blocks until the first connect attempt finishes, the timeout
// elapses or ctx is cancelled. It returns nil when the first attempt connected.
func (c *Connection) WaitFirst(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.firstDone:
		return c.firstErr
	case <-timer.C:
		return fmt.Errorf("%w: %s: no answer after %v", ErrConnectionFailed, c.name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect makes sure the broker is connected, starting the connection or
// retrying it immediately as needed, and waits up to timeout for the
// outcome. It is meant for startup; the bridge loop uses Tick.
func (c *Connection) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	state := c.state
	if state == StateAwaitingRetry {
		c.reconnectAt = c.clock()
	}
	c.mu.Unlock()

	switch state {
	case StateIdle:
		c.Start()
		return c.WaitFirst(ctx, timeout)
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	case StateAwaitingRetry:
		c.Tick(c.clock())
	case StateConnecting:
	}

	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.err
	case <-timer.C:
		return fmt.Errorf("%w: %s: no answer after %v", ErrConnectionFailed, c.name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the broker currently holds an accepted session.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for the status API.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Name:      c.name,
		Number:    c.number,
		Server:    c.cfg.Server,
		Port:      c.cfg.Port,
		Transport: c.cfg.Transport,
		State:     c.state.String(),
		Connected: c.state == StateConnected,
		Session:   c.session,
	}
	if c.state == StateAwaitingRetry {
		s.ReconnectAt = c.reconnectAt
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Tick reconnects a connection whose retry time has come. When the broker
// refused the last session, or a token-authenticated session is close to
// expiry, the paho client is rebuilt with fresh credentials instead.
func (c *Connection) Tick(now time.Time) {
	c.mu.Lock()
	if c.state != StateAwaitingRetry || now.Before(c.reconnectAt) {
		c.mu.Unlock()
		return
	}

	rotate := c.creds.UsesToken(c.name) && c.creds.NeedsRotation(c.name)
	if !c.needsRecreate && !rotate && c.client != nil {
		c.beginAttemptLocked()
		client, session := c.client, c.session
		c.mu.Unlock()

		c.log("reconnecting to broker", "broker", c.name)
		c.attempt(client, session)
		return
	}

	reason := c.recreateReason
	switch {
	case rotate:
		reason = "token_rotation"
	case reason == "":
		reason = "no_client"
	}
	old := c.client
	c.beginAttemptLocked()
	client, session, err := c.buildClientLocked(rotate)
	if err != nil {
		c.mu.Unlock()
		c.handleConnectFailure("", err)
		return
	}
	c.needsRecreate = false
	c.recreateReason = ""
	c.mu.Unlock()

	metricRecreatesTotal.WithLabelValues(c.name, reason).Inc()
	c.log("recreating broker client", "broker", c.name, "reason", reason, "session", session)
	if old != nil && old.IsConnectionOpen() {
		old.Disconnect(0)
	}
	c.attempt(client, session)
}

// Publish hands payload to the paho client for topic. QoS 1 is sent as QoS 0.
//
// It never waits on the network. A token that has already failed is
// reported; one still in flight counts as accepted and is settled in the
// background, where a later failure is logged and counted.
func (c *Connection) Publish(topic string, payload []byte, retain bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.mu.Lock()
	client := c.client
	connected := c.state == StateConnected && client != nil
	if connected {
		// Added under c.mu so Close never waits on a group that can still grow.
		c.pending.Add(1)
	}
	c.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}

	token := client.Publish(topic, effectiveQoS(c.cfg.QoS), retain, payload)
	select {
	case <-token.Done():
		c.pending.Done()
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPublishFailed, c.name, err)
		}
		return nil
	default:
		go c.settle(token, topic)
		return nil
	}
}

// settle waits up to publishTimeout for a publish token that was still in
// flight when Publish returned.
func (c *Connection) settle(token pahomqtt.Token, topic string) {
	defer c.pending.Done()

	if !token.WaitTimeout(c.publishTimeout) {
		metricPublishUnsettledTotal.WithLabelValues(c.name, resultTimeout).Inc()
		c.logWarn("publish not confirmed", fmt.Errorf("%w: timeout after %v", ErrPublishFailed, c.publishTimeout),
			"broker", c.name, "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		metricPublishUnsettledTotal.WithLabelValues(c.name, resultFailure).Inc()
		c.logWarn("publish failed after hand-off", err, "broker", c.name, "topic", topic)
	}
}

// drain waits for in-flight publishes. Each one gives up after
// publishTimeout, so drain is bounded.
func (c *Connection) drain() {
	c.pending.Wait()
}

// Close stops all reconnection, waits for in-flight publishes and then
// disconnects. It is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateClosed
	c.endAttemptLocked(ErrClosed)
	client := c.client
	c.mu.Unlock()

	c.finishFirst(ErrClosed)
	if wasConnected {
		metricConnected.WithLabelValues(c.name).Set(0)
	}
	c.drain()
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(defaultDisconnectQuiesce)
	}
}

// buildClientLocked creates a client with a new session id. Caller holds c.mu.
func (c *Connection) buildClientLocked(forceRefresh bool) (pahoClient, string, error) {
	creds, err := c.creds.Credentials(c.name, forceRefresh)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: credentials: %w", ErrConnectionFailed, c.name, err)
	}

	session := uuid.NewString()
	clientID := ClientID(c.cfg.ClientIDPrefix, c.origin.PublicKey, c.number)
	willTopic := ResolveTopic(KindStatus, c.bridge, c.cfg, c.origin.PublicKey)
	opts := buildClientOptions(c.cfg, clientID, creds, willTopic, buildWillPayload(c.origin, c.clock()))
	opts.SetConnectTimeout(c.connectTimeout)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect(session)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(session, err)
	})

	c.client = c.newClient(opts)
	c.session = session
	return c.client, session, nil
}

// attempt runs one connect on client and reports the outcome asynchronously.
func (c *Connection) attempt(client pahoClient, session string) {
	token := client.Connect()
	go func() {
		// paho enforces its own connect timeout; the extra second covers
		// token completion racing it.
		if !token.WaitTimeout(c.connectTimeout + time.Second) {
			c.handleConnectFailure(session, fmt.Errorf("%w: %w: %s after %v", ErrConnectionFailed, errConnectTimeout, c.name, c.connectTimeout))
			return
		}
		if err := token.Error(); err != nil {
			if ct, ok := token.(*pahomqtt.ConnectToken); ok && isAuthReturnCode(ct.ReturnCode()) {
				err = fmt.Errorf("%w: %w", ErrNotAuthorized, err)
			}
			c.handleConnectFailure(session, err)
			return
		}
		c.handleConnect(session)
	}()
}

// handleConnect marks session connected. Both the paho OnConnect handler
// and the connect token report success; only the first one counts.
func (c *Connection) handleConnect(session string) {
	c.mu.Lock()
	if session != c.session || c.state == StateClosed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.lastErr = nil
	c.endAttemptLocked(nil)
	callback := c.onConnect
	c.mu.Unlock()

	c.backoff.Reset()
	metricConnected.WithLabelValues(c.name).Set(1)
	metricConnectAttemptsTotal.WithLabelValues(c.name, resultSuccess).Inc()
	c.logInfo("connected to broker", "broker", c.name, "server", c.cfg.Server, "port", c.cfg.Port, "session", session)
	c.finishFirst(nil)

	if callback != nil {
		callback(c.name)
	}
}

// handleConnectFailure schedules a retry after a failed or refused attempt.
// An empty session matches the current one.
func (c *Connection) handleConnectFailure(session string, err error) {
	authRejected := isAuthRejection(err)
	timedOut := errors.Is(err, errConnectTimeout)

	c.mu.Lock()
	if (session != "" && session != c.session) || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	delay := c.scheduleRetryLocked(err)
	c.endAttemptLocked(err)
	switch {
	case authRejected:
		c.needsRecreate, c.recreateReason = true, "auth_rejected"
	case timedOut:
		// paho may still be mid-handshake on the old client.
		c.needsRecreate, c.recreateReason = true, "timeout"
	}
	c.mu.Unlock()

	switch {
	case authRejected:
		c.creds.Invalidate(c.name)
		metricConnectAttemptsTotal.WithLabelValues(c.name, resultAuthRejected).Inc()
		c.logError("broker refused credentials", err, "broker", c.name, "retry_in", delay)
	case timedOut:
		metricConnectAttemptsTotal.WithLabelValues(c.name, resultTimeout).Inc()
		c.logWarn("broker connect timed out", err, "broker", c.name, "retry_in", delay)
	default:
		metricConnectAttemptsTotal.WithLabelValues(c.name, resultFailure).Inc()
		c.logWarn("broker connect failed", err, "broker", c.name, "retry_in", delay)
	}
	c.finishFirst(err)
}

// handleConnectionLost schedules a retry after an established session drops.
func (c *Connection) handleConnectionLost(session string, err error) {
	c.mu.Lock()
	if session != c.session || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	delay := c.scheduleRetryLocked(err)
	c.mu.Unlock()

	metricConnected.WithLabelValues(c.name).Set(0)
	metricDisconnectsTotal.WithLabelValues(c.name).Inc()
	c.logWarn("broker connection lost", err, "broker", c.name, "retry_in", delay)
}

func (c *Connection) scheduleRetryLocked(err error) time.Duration {
	delay := c.backoff.Next()
	c.state = StateAwaitingRetry
	c.reconnectAt = c.clock().Add(delay)
	c.lastErr = err
	return delay
}

func (c *Connection) beginAttemptLocked() {
	c.state = StateConnecting
	c.current = &attempt{done: make(chan struct{})}
}

func (c *Connection) endAttemptLocked(err error) {
	if a := c.current; a != nil && !a.ended {
		a.err = err
		a.ended = true
		close(a.done)
	}
}

func (c *Connection) finishFirst(err error) {
	c.firstOnce.Do(func() {
		c.firstErr = err
		close(c.firstDone)
	})
}

var errConnectTimeout = errors.New("connect timeout")

// isAuthRejection reports whether err is a CONNACK refusal for bad
// credentials (4) or missing authorisation (5).
func isAuthRejection(err error) bool {
	return errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

func isAuthReturnCode(rc byte) bool {
	return rc == packets.ErrRefusedBadUsernameOrPassword || rc == packets.ErrRefusedNotAuthorised
}

func (c *Connection) log(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Connection) logWarn(msg string, err error, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, append(keysAndValues, "error", err)...)
	}
}

func (c *Connection) logError(msg string, err error, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, append(keysAndValues, "error", err)...)
	}
}
