package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/mqtt"
)

// Node listing limits.
const (
	defaultNodeLimit = 100
	maxNodeLimit     = 1000
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/brokers", s.handleBrokers)
		r.Get("/nodes", s.handleNodes)
		r.Get("/ws", s.handleWebSocket)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Device        meshcore.Identity    `json:"device"`
	Brokers       brokerSummary        `json:"brokers"`
	Bridge        meshcore.BridgeStats `json:"bridge"`
	WSClients     int                  `json:"ws_clients"`
}

type brokerSummary struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// handleHealth reports "ok" while at least one broker is connected and
// "degraded" otherwise. The status code is always 200 so probes can read
// the body; a 503 is returned only before any broker has been configured.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Device:        s.bridge.Identity(),
		Bridge:        s.bridge.Stats(),
		WSClients:     s.hub.ClientCount(),
	}

	brokers := s.brokers()
	if brokers == nil {
		resp.Status = "starting"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	for _, st := range brokers.Statuses() {
		resp.Brokers.Total++
		if st.Connected {
			resp.Brokers.Connected++
		}
	}
	if !brokers.AnyConnected() {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBrokers lists every configured broker with its connection state.
func (s *Server) handleBrokers(w http.ResponseWriter, _ *http.Request) {
	brokers := s.brokers()
	statuses := []mqtt.Status{}
	if brokers != nil {
		statuses = append(statuses, brokers.Statuses()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"brokers": statuses,
		"count":   len(statuses),
	})
}

// handleNodes lists recently heard nodes, most recent first.
// Query: limit (1..1000, default 100).
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "node registry is disabled")
		return
	}

	limit := defaultNodeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxNodeLimit {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	nodes, err := s.nodes.Nodes(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing nodes", "error", err)
		writeInternalError(w, "failed to list nodes")
		return
	}
	total, err := s.nodes.NodeCount(r.Context())
	if err != nil {
		s.logger.Error("counting nodes", "error", err)
		writeInternalError(w, "failed to count nodes")
		return
	}
	if nodes == nil {
		nodes = []meshcore.Node{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
		"total": total,
	})
}
