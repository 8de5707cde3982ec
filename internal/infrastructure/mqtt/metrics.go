package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "connected",
		Help:      "1 while the broker connection is up.",
	}, []string{"broker"})
	metricConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by outcome.",
	}, []string{"broker", "result"})
	metricDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "disconnects_total",
		Help:      "Connections lost after being established.",
	}, []string{"broker"})
	metricRecreatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "client_recreates_total",
		Help:      "Clients rebuilt with fresh credentials.",
	}, []string{"broker", "reason"})
	metricPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "publish_total",
		Help:      "Per-broker publish results.",
	}, []string{"broker", "result"})
	metricPublishUnsettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "publish_unsettled_total",
		Help:      "Publishes accepted by the client that later failed or timed out.",
	}, []string{"broker", "result"})
	metricPublishSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "publish_skipped_total",
		Help:      "Publishes dropped because no broker was connected.",
	})
	metricReconnectDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshbridge",
		Subsystem: "mqtt",
		Name:      "reconnect_delay_seconds",
		Help:      "Most recent reconnect delay handed out by the shared backoff.",
	})
)

// Result label values.
const (
	resultSuccess      = "success"
	resultFailure      = "failure"
	resultAuthRejected = "auth_rejected"
	resultTimeout      = "timeout"
)
