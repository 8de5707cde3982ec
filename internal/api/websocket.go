package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Live feed channels.
const (
	ChannelPackets   = "packets"
	ChannelSummaries = "summaries"
)

// feedBufferSize is the number of events queued per client before new ones
// are dropped.
const feedBufferSize = 256

var knownChannels = map[string]bool{
	ChannelPackets:   true,
	ChannelSummaries: true,
}

var (
	metricFeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshbridge",
		Subsystem: "api",
		Name:      "feed_clients",
		Help:      "Connected live feed clients.",
	})
	metricFeedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "api",
		Name:      "feed_dropped_total",
		Help:      "Feed messages dropped because a client's buffer was full.",
	})
)

// WSMessage is the envelope of every message on the live feed.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// inboundMessage is a client message with its payload left undecoded.
type inboundMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans mesh traffic out to live feed clients.
//
// It is registered with the bridge as a packet and summary observer, so
// Broadcast runs on the serial loop. It never blocks there: a client whose
// buffer is full misses the event.
type Hub struct {
	logger       *logging.Logger
	maxMessage   int64
	pingInterval time.Duration
	pongWait     time.Duration

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

// feedClient is one WebSocket connection. send is closed exactly once, by
// whoever removes the client from the hub.
type feedClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu       sync.RWMutex
	send     chan []byte
	closed   bool
	channels map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Zero settings fall back to 8 KiB messages, 30s
// pings and a 10s pong wait.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return &Hub{
		logger:       logger,
		maxMessage:   int64(cfg.MaxMessageSize),
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:     time.Duration(cfg.PongTimeout) * time.Second,
		clients:      make(map[*feedClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*feedClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
		c.conn.Close()
	}
	metricFeedClients.Set(0)
}

// ObservePacket broadcasts a decoded frame on the packets channel. The
// observer's name is not known here, only its public key.
func (h *Hub) ObservePacket(originID string, pkt *meshcore.Packet, at time.Time) {
	h.Broadcast(ChannelPackets, meshcore.NewDecodedMessage(pkt, meshcore.Identity{PublicKey: originID}, at))
}

// ObserveSummary broadcasts an RX/TX summary on the summaries channel.
func (h *Hub) ObserveSummary(msg meshcore.PacketMessage, _ time.Time) {
	h.Broadcast(ChannelSummaries, msg)
}

// Broadcast sends payload as an event to every client subscribed to
// channel. Nothing is marshalled when no client listens.
func (h *Hub) Broadcast(channel string, payload any) {
	h.mu.RLock()
	var targets []*feedClient
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal feed event", "channel", channel, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metricFeedClients.Set(float64(n))
	h.logger.Debug("feed client connected", "clients", n)
}

func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()
	metricFeedClients.Set(float64(n))
	h.logger.Debug("feed client disconnected", "clients", n)
}

// handleWebSocket upgrades the request and attaches a feed client. Known
// channels listed in the comma-separated channels query parameter are
// subscribed immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, feedBufferSize),
		channels: make(map[string]bool),
	}
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); knownChannels[ch] {
			c.channels[ch] = true
		}
	}

	s.hub.add(c)
	go c.writeLoop()
	go c.readLoop()
}

// readLoop handles client messages until the connection fails.
func (c *feedClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	h := c.hub
	c.conn.SetReadLimit(h.maxMessage)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongWait))
	}
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("feed client read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handle(data)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
// It exits when the queue is closed or a write fails.
func (c *feedClient) writeLoop() {
	h := c.hub
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is closing anyway
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(h.pongWait))
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(h.pongWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// handle answers one client message.
func (c *feedClient) handle(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.updateChannels(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

func (c *feedClient) updateChannels(msg inboundMessage) {
	var sub WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
		c.reply(msg.ID, WSTypeError, errorPayload("invalid "+msg.Type+" payload"))
		return
	}
	for _, ch := range sub.Channels {
		if !knownChannels[ch] {
			c.reply(msg.ID, WSTypeError, errorPayload(fmt.Sprintf("unknown channel %q", ch)))
			return
		}
	}

	subscribe := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.channels[ch] = true
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

func (c *feedClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

// enqueue queues data without blocking. Full queues drop the message.
func (c *feedClient) enqueue(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		metricFeedDroppedTotal.Inc()
	}
}

// shutdown closes the send queue, which ends writeLoop.
func (c *feedClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *feedClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
