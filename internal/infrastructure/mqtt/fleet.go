package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

// AllBrokers targets every broker in Fleet.Publish and Fleet.PublishKind.
const AllBrokers = ""

// FleetOptions configures a Fleet.
type FleetOptions struct {
	// Bridge supplies default topics and IATA. Required.
	Bridge config.BridgeConfig

	// Brokers are the enabled broker slots. At least one is required.
	Brokers []config.BrokerSlot

	// Origin identifies the device. Required.
	Origin Origin

	// Credentials supplies per-broker credentials. Required.
	Credentials CredentialSource

	// Backoff is shared by all connections (default NewBackoff()).
	Backoff *Backoff

	// ConnectTimeout bounds each connect attempt (default 10s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds each unconfirmed publish (default 5s).
	PublishTimeout time.Duration

	// NewClient overrides paho client construction (tests).
	NewClient ClientFactory

	// Clock overrides time.Now (tests).
	Clock func() time.Time

	// Logger is optional.
	Logger Logger
}

// Fleet is the set of broker connections the bridge publishes through.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Fleet struct {
	conns  []*Connection
	bridge config.BridgeConfig
	origin Origin
	logger Logger
	closed atomic.Bool
}

// NewFleet creates one idle Connection per broker slot.
func NewFleet(opts FleetOptions) (*Fleet, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers configured", ErrNoBrokerConnected)
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff()
	}

	// Credentials, publish targets and status routing are keyed by name.
	seen := make(map[string]int, len(opts.Brokers))
	for _, slot := range opts.Brokers {
		name := slot.Broker.Name
		if name == "" {
			name = fmt.Sprintf("MQTT%d", slot.Number)
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %q used by brokers %d and %d", ErrDuplicateBroker, name, prev, slot.Number)
		}
		seen[name] = slot.Number
	}

	f := &Fleet{
		bridge: opts.Bridge,
		origin: opts.Origin,
		logger: opts.Logger,
	}
	for _, slot := range opts.Brokers {
		conn, err := NewConnection(ConnectionOptions{
			Number:         slot.Number,
			Broker:         slot.Broker,
			Bridge:         opts.Bridge,
			Origin:         opts.Origin,
			Credentials:    opts.Credentials,
			Backoff:        opts.Backoff,
			ConnectTimeout: opts.ConnectTimeout,
			PublishTimeout: opts.PublishTimeout,
			NewClient:      opts.NewClient,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		f.conns = append(f.conns, conn)
	}
	return f, nil
}

// SetOnConnect registers fn on every connection. fn receives the name of
// the broker that just connected.
func (f *Fleet) SetOnConnect(fn func(broker string)) {
	for _, c := range f.conns {
		c.SetOnConnect(fn)
	}
}

// Connect starts every connection, or retries those that are down, and
// waits for each attempt up to timeout per broker. It returns
// ErrNoBrokerConnected if none is connected afterwards. Brokers that
// failed keep retrying through Tick.
func (f *Fleet) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	var connected atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range f.conns {
		g.Go(func() error {
			err := c.Connect(gctx, timeout)
			switch {
			case err == nil:
				connected.Add(1)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				f.logWarn("initial broker connection failed", err, "broker", c.Name())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n := int(connected.Load())
	if n == 0 {
		return fmt.Errorf("%w: 0 of %d brokers", ErrNoBrokerConnected, len(f.conns))
	}
	f.logInfo("brokers connected", "connected", n, "configured", len(f.conns))
	return nil
}

// Tick gives every connection a chance to reconnect.
func (f *Fleet) Tick(now time.Time) {
	if f.closed.Load() {
		return
	}
	for _, c := range f.conns {
		c.Tick(now)
	}
}

// Close disconnects every broker. It publishes nothing; callers that want a
// graceful offline status publish it first.
func (f *Fleet) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range f.conns {
		c.Close()
	}
}

// AnyConnected reports whether at least one broker is connected.
func (f *Fleet) AnyConnected() bool {
	for _, c := range f.conns {
		if c.Connected() {
			return true
		}
	}
	return false
}

// Statuses returns a snapshot of every connection in slot order.
func (f *Fleet) Statuses() []Status {
	out := make([]Status, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c.Status())
	}
	return out
}

// Connections returns the fleet's connections in slot order.
func (f *Fleet) Connections() []*Connection {
	return f.conns
}

// Origin returns the device identity the fleet publishes for.
func (f *Fleet) Origin() Origin {
	return f.origin
}

func (f *Fleet) logInfo(msg string, keysAndValues ...any) {
	if f.logger != nil {
		f.logger.Info(msg, keysAndValues...)
	}
}

func (f *Fleet) logDebug(msg string, keysAndValues ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, keysAndValues...)
	}
}

func (f *Fleet) logWarn(msg string, err error, keysAndValues ...any) {
	if f.logger != nil {
		f.logger.Warn(msg, append(keysAndValues, "error", err)...)
	}
}
