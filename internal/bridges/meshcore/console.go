package meshcore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// Console defaults, matching the MeshCore USB console.
const (
	// DefaultSerialPort is used when no port list is configured.
	DefaultSerialPort = "/dev/ttyACM0"

	// DefaultBaudRate is the MeshCore console speed.
	DefaultBaudRate = 115200

	// defaultReadTimeout bounds a single serial read.
	defaultReadTimeout = 2 * time.Second

	// defaultReplyWait is how long to let the device answer a command.
	defaultReplyWait = 500 * time.Millisecond

	// keyReplyWait is used for key queries, whose replies are longer.
	keyReplyWait = 1 * time.Second

	// lineQueueSize bounds lines read but not yet polled. When it is full
	// the reader stops reading and the OS buffers the port.
	lineQueueSize = 256

	// readBufferSize is the size of a single serial read.
	readBufferSize = 512

	// maxLineLength flushes a line that never sees a newline.
	maxLineLength = 4096

	// privateKeyHexLength is the exported private key length: a 64-byte
	// expanded Ed25519 key in hex.
	privateKeyHexLength = 128
)

// Reply markers printed by the firmware CLI.
const (
	// getReplyMarker precedes the value of a "get ..." reply: "  -> > value".
	getReplyMarker = "-> >"

	// replyMarker precedes other command replies: "  -> value".
	replyMarker = "-> "

	// unknownCommandReply is printed by firmware without the queried command.
	unknownCommandReply = "Unknown command"
)

// Console commands.
const (
	cmdWake       = "\r\n\r\n"
	cmdTime       = "time %d"
	cmdName       = "get name"
	cmdPublicKey  = "get public.key"
	cmdPrivateKey = "get prv.key"
	cmdRadio      = "get radio"
	cmdVersion    = "ver"
	cmdBoard      = "board"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// LineSource is a polled source of console lines.
type LineSource interface {
	// Poll returns the next line without blocking. ok is false when no line
	// is waiting. A non-nil error means the port failed and must be reopened.
	Poll() (line string, ok bool, err error)

	// Reopen closes the current port and opens the first working one again.
	Reopen(ctx context.Context) error
}

// SerialOpener opens a serial port. The default uses github.com/tarm/serial.
type SerialOpener func(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error)

func openSerial(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
}

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	// Ports are tried in order; the first that opens is used.
	Ports []string

	// BaudRate defaults to 115200.
	BaudRate int

	// ReadTimeout bounds a single serial read (default 2s).
	ReadTimeout time.Duration

	// ReplyWait is how long commands wait for a reply (default 500ms).
	ReplyWait time.Duration

	// Open overrides serial port access (tests).
	Open SerialOpener

	// Sleep overrides time.Sleep while waiting for replies (tests).
	Sleep func(time.Duration)

	// Logger is optional.
	Logger Logger
}

// ConsoleStats holds console counters.
type ConsoleStats struct {
	Port      string `json:"port"`
	LinesRead uint64 `json:"lines_read"`
	Reopens   uint64 `json:"reopens"`
}

// Console is a client for the MeshCore serial console.
//
// A background reader splits incoming bytes into lines and queues them;
// Poll drains the queue without blocking. Command writes a console command
// and collects whatever the device printed during the reply wait, the way
// an operator at a terminal would.
//
// Thread Safety:
//   - Poll, Reopen, Close and Stats are safe for concurrent use.
//   - Commands must not run concurrently with Poll; the bridge issues them
//     during startup, before its loop starts polling.
type Console struct {
	opts ConsoleOptions

	mu       sync.Mutex
	port     io.ReadWriteCloser
	portName string
	lines    chan string
	errs     chan error
	stop     *closeOnce
	wg       sync.WaitGroup
	closed   bool

	partialMu sync.Mutex
	partial   []byte

	linesRead atomic.Uint64
	reopens   atomic.Uint64
}

// NewConsole creates a console. Call Open before use.
func NewConsole(opts ConsoleOptions) *Console {
	if len(opts.Ports) == 0 {
		opts.Ports = []string{DefaultSerialPort}
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.ReplyWait <= 0 {
		opts.ReplyWait = defaultReplyWait
	}
	if opts.Open == nil {
		opts.Open = openSerial
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Console{opts: opts}
}

// Open opens the first configured port that works and starts reading.
func (c *Console) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsoleClosed
	}

	var errs []error
	for _, name := range c.opts.Ports {
		if err := ctx.Err(); err != nil {
			return err
		}

		port, err := c.opts.Open(name, c.opts.BaudRate, c.opts.ReadTimeout)
		if err != nil {
			c.logWarn("failed to open serial port", err, "port", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		// Wake the console so the first command is not swallowed.
		if _, err := io.WriteString(port, cmdWake); err != nil {
			_ = port.Close()
			c.logWarn("failed to write to serial port", err, "port", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		c.startLocked(port, name)
		c.logInfo("connected to serial port", "port", name, "baud", c.opts.BaudRate)
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoSerialPort, errors.Join(errs...))
}

// Reopen closes the current port and opens the first working one again.
func (c *Console) Reopen(ctx context.Context) error {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.reopens.Add(1)
	return c.Open(ctx)
}

// Close stops the reader and closes the port. Safe to call multiple times.
func (c *Console) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopLocked()
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Poll returns the next queued line without blocking.
func (c *Console) Poll() (string, bool, error) {
	c.mu.Lock()
	lines, errs := c.lines, c.errs
	c.mu.Unlock()

	if lines == nil {
		return "", false, ErrConsoleClosed
	}

	select {
	case line := <-lines:
		return line, true, nil
	default:
	}
	select {
	case err := <-errs:
		return "", false, err
	default:
		return "", false, nil
	}
}

// Port returns the name of the open port, or "" when none is open.
func (c *Console) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portName
}

// Stats returns console counters.
func (c *Console) Stats() ConsoleStats {
	return ConsoleStats{
		Port:      c.Port(),
		LinesRead: c.linesRead.Load(),
		Reopens:   c.reopens.Load(),
	}
}

// Command discards anything already received, sends cmd and returns
// everything the device printed within wait.
func (c *Console) Command(ctx context.Context, cmd string, wait time.Duration) (string, error) {
	c.mu.Lock()
	port, lines := c.port, c.lines
	c.mu.Unlock()

	if port == nil {
		return "", ErrConsoleClosed
	}

	c.drain(lines)
	if _, err := io.WriteString(port, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("writing %q: %w", cmd, err)
	}
	c.log("sent console command", "command", cmd)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.opts.Sleep(wait)

	resp := c.drain(lines)
	c.log("console reply", "command", cmd, "reply", resp)
	return resp, nil
}

// SyncClock sets the device clock to now.
func (c *Console) SyncClock(ctx context.Context, now time.Time) error {
	_, err := c.Command(ctx, fmt.Sprintf(cmdTime, now.Unix()), c.opts.ReplyWait)
	return err
}

// Name queries the device name.
func (c *Console) Name(ctx context.Context) (string, error) {
	return c.getValue(ctx, cmdName, c.opts.ReplyWait)
}

// PublicKey queries the device public key (hex).
func (c *Console) PublicKey(ctx context.Context) (string, error) {
	return c.getValue(ctx, cmdPublicKey, keyReplyWait)
}

// PrivateKey queries the exported private key: 128 hex characters. Not
// every firmware supports the command.
func (c *Console) PrivateKey(ctx context.Context) (string, error) {
	v, err := c.getValue(ctx, cmdPrivateKey, keyReplyWait)
	if err != nil {
		return "", err
	}
	return parsePrivateKey(v)
}

// RadioInfo queries the radio parameters, e.g. "910.525,62.5,7,5".
func (c *Console) RadioInfo(ctx context.Context) (string, error) {
	return c.getValue(ctx, cmdRadio, c.opts.ReplyWait)
}

// FirmwareVersion queries the firmware version string.
func (c *Console) FirmwareVersion(ctx context.Context) (string, error) {
	resp, err := c.Command(ctx, cmdVersion, c.opts.ReplyWait)
	if err != nil {
		return "", err
	}
	v, ok := parseReply(resp)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoReply, cmdVersion)
	}
	return v, nil
}

// BoardType queries the hardware model. Firmware without the command
// yields "unknown".
func (c *Console) BoardType(ctx context.Context) (string, error) {
	resp, err := c.Command(ctx, cmdBoard, c.opts.ReplyWait)
	if err != nil {
		return "", err
	}
	v, ok := parseReply(resp)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoReply, cmdBoard)
	}
	if v == unknownCommandReply {
		return unknownValue, nil
	}
	return v, nil
}

func (c *Console) getValue(ctx context.Context, cmd string, wait time.Duration) (string, error) {
	resp, err := c.Command(ctx, cmd, wait)
	if err != nil {
		return "", err
	}
	v, ok := parseGetReply(resp)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoReply, cmd)
	}
	return v, nil
}

// drain returns every queued line plus any partial line, joined by newlines.
func (c *Console) drain(lines chan string) string {
	var b strings.Builder
	for {
		select {
		case line := <-lines:
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		default:
		}
		break
	}

	c.partialMu.Lock()
	b.Write(c.partial)
	c.partial = c.partial[:0]
	c.partialMu.Unlock()
	return b.String()
}

// startLocked starts a reader on port. Caller holds c.mu.
func (c *Console) startLocked(port io.ReadWriteCloser, name string) {
	c.port = port
	c.portName = name
	c.lines = make(chan string, lineQueueSize)
	c.errs = make(chan error, 1)
	c.stop = newCloseOnce()

	c.partialMu.Lock()
	c.partial = c.partial[:0]
	c.partialMu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(port, c.lines, c.errs, c.stop)
}

// stopLocked stops the reader and closes the port. Caller holds c.mu.
func (c *Console) stopLocked() {
	if c.stop != nil {
		c.stop.Close()
	}
	if c.port != nil {
		_ = c.port.Close()
	}
	c.port = nil
	c.portName = ""
	c.lines = nil
	c.errs = nil
}

// receiveLoop reads from port until it fails or the console stops it.
func (c *Console) receiveLoop(port io.Reader, lines chan<- string, errs chan<- error, stop *closeOnce) {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, line := range c.split(buf[:n]) {
				select {
				case lines <- line:
					c.linesRead.Add(1)
				case <-stop.Done():
					return
				}
			}
		}

		if err != nil {
			select {
			case <-stop.Done():
				return
			default:
			}
			// tarm/serial reports a read timeout as io.EOF.
			if errors.Is(err, io.EOF) {
				continue
			}
			errs <- fmt.Errorf("serial read: %w", err)
			return
		}
	}
}

// split appends data to the partial line and returns the complete lines.
func (c *Console) split(data []byte) []string {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()

	c.partial = append(c.partial, data...)
	var out []string
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		out = append(out, cleanLine(c.partial[:i]))
		c.partial = c.partial[i+1:]
	}
	if len(c.partial) > maxLineLength {
		out = append(out, cleanLine(c.partial))
		c.partial = c.partial[:0]
	}
	// Compact so the backing array does not grow without bound.
	c.partial = append([]byte(nil), c.partial...)
	return out
}

// cleanLine trims whitespace and replaces invalid UTF-8.
func cleanLine(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
}

// parseGetReply extracts the value of a "get" reply: the rest of the line
// after "-> >".
func parseGetReply(resp string) (string, bool) {
	_, after, ok := strings.Cut(resp, getReplyMarker)
	if !ok {
		return "", false
	}
	return firstLine(after), true
}

// parseReply extracts the value after the first "-> ".
func parseReply(resp string) (string, bool) {
	_, after, ok := strings.Cut(resp, replyMarker)
	if !ok {
		return "", false
	}
	return firstLine(after), true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "\r", ""))
}

// parsePrivateKey validates an exported private key and strips whitespace.
func parsePrivateKey(v string) (string, error) {
	clean := strings.NewReplacer(" ", "", "\r", "", "\n", "").Replace(v)
	if len(clean) != privateKeyHexLength {
		return "", fmt.Errorf("%w: private key is %d characters, want %d", ErrNoReply, len(clean), privateKeyHexLength)
	}
	if _, err := hex.DecodeString(clean); err != nil {
		return "", fmt.Errorf("%w: private key is not hex", ErrNoReply)
	}
	return clean, nil
}

func (c *Console) log(msg string, keysAndValues ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (c *Console) logInfo(msg string, keysAndValues ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (c *Console) logWarn(msg string, err error, keysAndValues ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Warn(msg, append(keysAndValues, "error", err)...)
	}
}
