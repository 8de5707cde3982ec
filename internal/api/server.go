package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BrokerStatusSource reports per-broker connection state. *mqtt.Fleet
// satisfies it.
type BrokerStatusSource interface {
	Statuses() []mqtt.Status
	AnyConnected() bool
}

// BridgeStatusSource reports the device identity and bridge counters.
// *meshcore.Bridge satisfies it.
type BridgeStatusSource interface {
	Identity() meshcore.Identity
	Stats() meshcore.BridgeStats
}

// NodeStore lists the nodes heard advertising. *meshcore.NodeRecorder
// satisfies it.
type NodeStore interface {
	Nodes(ctx context.Context, limit int) ([]meshcore.Node, error)
	NodeCount(ctx context.Context) (int, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger

	// Brokers is resolved lazily: the fleet only exists once the bridge has
	// read the device identity, which may happen after the API starts.
	Brokers func() BrokerStatusSource
	Bridge  BridgeStatusSource
	Nodes   NodeStore // optional

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Hub is the live feed. If nil the server creates its own.
	Hub *Hub

	Version string
}

// Server is the HTTP status server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	brokers   func() BrokerStatusSource
	bridge    BridgeStatusSource
	nodes     NodeStore
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Brokers == nil {
		return nil, fmt.Errorf("broker status source is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge status source is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger.With("component", "api"),
		brokers:   deps.Brokers,
		bridge:    deps.Bridge,
		nodes:     deps.Nodes,
		gatherer:  deps.Gatherer,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, s.logger)
	}
	return s, nil
}

// Hub returns the live feed hub, for registering it with the bridge.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine.
//
// Binding happens before Start returns, so a port already in use is
// reported here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
