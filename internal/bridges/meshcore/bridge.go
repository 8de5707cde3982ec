package meshcore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/mqtt"
)

// Bridge defaults.
const (
	// DefaultPollInterval is the pause between loop iterations.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultConnectTimeout bounds each broker's initial connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultInitialRetries is how many times startup tries to reach a broker.
	DefaultInitialRetries = 10

	// defaultReopenDelay is the pause after a serial failure.
	defaultReopenDelay = 500 * time.Millisecond

	// maxInitialRetryWait caps the wait between startup connection attempts.
	maxInitialRetryWait = 30 * time.Second
)

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Uplink publishes bridge messages to the brokers. *mqtt.Fleet satisfies it.
type Uplink interface {
	SetOnConnect(fn func(broker string))
	Connect(ctx context.Context, timeout time.Duration) error
	PublishKind(kind mqtt.Kind, payload []byte, retain bool, target string) bool
	Tick(now time.Time)
	Close()
}

// UplinkFactory builds the uplink once the device identity is known, since
// client IDs, topics and token credentials all derive from it.
type UplinkFactory func(ctx context.Context, id Identity) (Uplink, error)

// PacketObserver is notified of every decoded frame.
type PacketObserver interface {
	ObservePacket(originID string, pkt *Packet, at time.Time)
}

// SummaryObserver is notified of every RX/TX summary line.
type SummaryObserver interface {
	ObserveSummary(msg PacketMessage, at time.Time)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Lines is the console line feed.
	Lines LineSource

	// Identity answers the startup identity queries.
	Identity IdentitySource

	// NewUplink builds the broker uplink after the identity is read.
	NewUplink UplinkFactory

	// PacketObservers and SummaryObservers are optional sinks
	// (node registry, telemetry).
	PacketObservers  []PacketObserver
	SummaryObservers []SummaryObserver

	// Debug enables publishing firmware DEBUG lines.
	Debug bool

	// ClientVersion is reported in status messages.
	ClientVersion string

	PollInterval   time.Duration
	ConnectTimeout time.Duration
	InitialRetries int
	ReopenDelay    time.Duration

	// Clock and Sleep are overridable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger is optional structured logger.
	Logger Logger
}

// BridgeStats holds bridge counters.
type BridgeStats struct {
	LinesHandled  uint64 `json:"lines_handled"`
	FramesDecoded uint64 `json:"frames_decoded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
}

// Bridge reads the MeshCore console and publishes what it hears.
//
// Lifecycle: Start reads the device identity and connects the uplink;
// Run then loops until its context is cancelled, ticking reconnection,
// polling one console line per iteration and publishing the result. On
// the way out an offline status is published and the uplink closed.
//
// Thread Safety:
//   - Run and HandleLine must be called from a single goroutine.
//   - Identity, Stats and Close are safe for concurrent use.
type Bridge struct {
	opts BridgeOptions

	mu       sync.RWMutex
	identity Identity
	uplink   Uplink

	// lastRaw is the most recent RAW frame; summary lines carry it.
	lastRaw string

	closeOnce sync.Once

	linesHandled  atomic.Uint64
	framesDecoded atomic.Uint64
	decodeErrors  atomic.Uint64
	published     atomic.Uint64
	dropped       atomic.Uint64
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Lines == nil {
		return nil, fmt.Errorf("line source is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity source is required")
	}
	if opts.NewUplink == nil {
		return nil, fmt.Errorf("uplink factory is required")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.InitialRetries <= 0 {
		opts.InitialRetries = DefaultInitialRetries
	}
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = defaultReopenDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Bridge{opts: opts}, nil
}

// Start reads the device identity and connects to the brokers.
//
// A missing name, public key or radio info is fatal. The brokers are tried
// up to InitialRetries times, waiting min(attempt*2, 30) seconds between
// attempts; ErrNoBroker is returned if none ever connects.
func (b *Bridge) Start(ctx context.Context) error {
	id, err := ReadIdentity(ctx, b.opts.Identity, b.opts.Clock(), b.opts.Logger)
	if err != nil {
		return err
	}

	uplink, err := b.opts.NewUplink(ctx, id)
	if err != nil {
		return fmt.Errorf("creating uplink: %w", err)
	}

	b.mu.Lock()
	b.identity = id
	b.uplink = uplink
	b.mu.Unlock()

	uplink.SetOnConnect(func(broker string) {
		b.publishStatus(StatusOnline, broker)
	})

	if err := b.connect(ctx, uplink); err != nil {
		uplink.Close()
		b.mu.Lock()
		b.uplink = nil
		b.mu.Unlock()
		return err
	}

	b.logInfo("bridge started", "origin", id.Name, "origin_id", id.PublicKey)
	return nil
}

func (b *Bridge) connect(ctx context.Context, uplink Uplink) error {
	for attempt := 1; ; attempt++ {
		err := uplink.Connect(ctx, b.opts.ConnectTimeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= b.opts.InitialRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrNoBroker, attempt, err)
		}

		wait := initialRetryWait(attempt)
		b.logWarn("initial broker connection failed, retrying", err,
			"attempt", attempt, "max_attempts", b.opts.InitialRetries, "wait", wait)
		if err := b.opts.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// initialRetryWait returns the pause after the given failed startup attempt.
func initialRetryWait(attempt int) time.Duration {
	return min(time.Duration(attempt)*2*time.Second, maxInitialRetryWait)
}

// Run processes console lines until ctx is cancelled. It returns nil on
// cancellation and ErrNotStarted if Start has not succeeded.
func (b *Bridge) Run(ctx context.Context) error {
	uplink := b.currentUplink()
	if uplink == nil {
		return ErrNotStarted
	}
	defer b.Close()

	for ctx.Err() == nil {
		uplink.Tick(b.opts.Clock())

		line, ok, err := b.opts.Lines.Poll()
		if err != nil {
			metricSerialErrorsTotal.Inc()
			b.logWarn("serial read failed, reopening", err)
			if err := b.opts.Lines.Reopen(ctx); err != nil {
				b.logWarn("serial reopen failed", err)
			}
			if b.opts.Sleep(ctx, b.opts.ReopenDelay) != nil {
				break
			}
			continue
		}
		if ok {
			b.HandleLine(line)
		}

		if b.opts.Sleep(ctx, b.opts.PollInterval) != nil {
			break
		}
	}
	return nil
}

// HandleLine processes one console line.
//
//   - "... U RAW: <hex>": remembered as the last raw frame, published to
//     the raw topic, then decoded and published to the decoded topic.
//   - "DEBUG...": published to the debug topic when debug is enabled.
//   - RX/TX summary: published to the packets topic with the last raw
//     frame attached.
//
// Anything else is ignored.
func (b *Bridge) HandleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.linesHandled.Add(1)
	b.logDebug("from radio", "line", line)

	id := b.Identity()
	now := b.opts.Clock()

	if frame, ok := rawFrame(line); ok {
		metricLinesTotal.WithLabelValues(lineRaw).Inc()
		b.lastRaw = frame
		b.publish(mqtt.KindRaw, NewRawMessage(frame, id, now))
		b.DecodeAndPublish(frame)
		return
	}

	if b.opts.Debug && strings.HasPrefix(line, debugLinePrefix) {
		metricLinesTotal.WithLabelValues(lineDebug).Inc()
		b.publish(mqtt.KindDebug, NewDebugMessage(line, id, now))
		return
	}

	if msg, ok := ParsePacketLine(line, b.lastRaw, id, now); ok {
		metricLinesTotal.WithLabelValues(linePacket).Inc()
		b.publish(mqtt.KindPackets, msg)
		for _, o := range b.opts.SummaryObservers {
			o.ObserveSummary(msg, now)
		}
		return
	}

	metricLinesTotal.WithLabelValues(lineIgnored).Inc()
}

// DecodeAndPublish decodes a hex frame and publishes it to the decoded
// topic. It returns false, publishing nothing, if the frame is malformed.
func (b *Bridge) DecodeAndPublish(frame string) (*DecodedMessage, bool) {
	pkt, err := DecodeHex(frame)
	if err != nil {
		b.decodeErrors.Add(1)
		metricDecodeErrorsTotal.WithLabelValues(decodeErrorReason(err)).Inc()
		b.logDebug("frame not decoded", "error", err, "frame", frame)
		return nil, false
	}

	id := b.Identity()
	now := b.opts.Clock()

	b.framesDecoded.Add(1)
	metricFramesDecodedTotal.WithLabelValues(pkt.Header.PayloadType.String()).Inc()
	metricLastFrameTimestamp.Set(float64(now.Unix()))
	b.logDebug("frame decoded", "packet", pkt.String())

	msg := NewDecodedMessage(pkt, id, now)
	b.publish(mqtt.KindDecoded, msg)

	for _, o := range b.opts.PacketObservers {
		o.ObservePacket(id.PublicKey, pkt, now)
	}
	return &msg, true
}

// Close publishes an offline status and closes the uplink. It is safe to
// call more than once; Run calls it on the way out.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		uplink := b.currentUplink()
		if uplink == nil {
			return
		}
		b.publishStatus(StatusOffline, mqtt.AllBrokers)
		uplink.Close()
		b.logInfo("bridge stopped")
	})
}

// Identity returns the device identity read by Start.
func (b *Bridge) Identity() Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		LinesHandled:  b.linesHandled.Load(),
		FramesDecoded: b.framesDecoded.Load(),
		DecodeErrors:  b.decodeErrors.Load(),
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
	}
}

func (b *Bridge) currentUplink() Uplink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.uplink
}

// publishStatus sends a retained status message to target, or to every
// broker when target is mqtt.AllBrokers.
func (b *Bridge) publishStatus(status, target string) {
	uplink := b.currentUplink()
	if uplink == nil {
		return
	}
	msg := NewStatusMessage(status, b.Identity(), b.opts.ClientVersion, b.opts.Clock())
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encoding status", err)
		return
	}
	if uplink.PublishKind(mqtt.KindStatus, payload, true, target) {
		b.logDebug("published status", "status", status, "broker", target)
	} else {
		b.logWarn("status not published", nil, "status", status, "broker", target)
	}
}

// publish sends a non-retained message of the given kind to every broker.
func (b *Bridge) publish(kind mqtt.Kind, msg any) {
	uplink := b.currentUplink()
	if uplink == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encoding message", err, "kind", kind)
		return
	}
	if uplink.PublishKind(kind, payload, false, mqtt.AllBrokers) {
		b.published.Add(1)
		return
	}
	b.dropped.Add(1)
	metricPublishDroppedTotal.WithLabelValues(string(kind)).Inc()
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, err error, keysAndValues ...any) {
	if b.opts.Logger != nil {
		if err != nil {
			keysAndValues = append([]any{"error", err}, keysAndValues...)
		}
		b.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if b.opts.Logger != nil {
		args := append([]any{"error", err}, keysAndValues...)
		b.opts.Logger.Error(msg, args...)
	}
}
