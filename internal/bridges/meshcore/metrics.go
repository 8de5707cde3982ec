package meshcore

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Line kinds for metricLinesTotal.
const (
	lineRaw     = "raw"
	lineDebug   = "debug"
	linePacket  = "packet"
	lineIgnored = "ignored"
)

var (
	metricLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "console_lines_total",
		Help:      "Console lines handled, by kind.",
	}, []string{"kind"})
	metricFramesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "frames_decoded_total",
		Help:      "Frames decoded, by payload type.",
	}, []string{"payload_type"})
	metricDecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "decode_errors_total",
		Help:      "RAW frames that could not be decoded, by reason.",
	}, []string{"reason"})
	metricPublishDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "publish_dropped_total",
		Help:      "Messages no broker accepted, by topic kind.",
	}, []string{"kind"})
	metricSerialErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "serial_errors_total",
		Help:      "Serial read failures that forced a reopen.",
	})
	metricLastFrameTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshbridge",
		Subsystem: "meshcore",
		Name:      "last_frame_timestamp_seconds",
		Help:      "Unix time of the last decoded frame.",
	})
)

// decodeErrorReason maps a DecodeHex error to a metric label.
func decodeErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHex):
		return "invalid_hex"
	case errors.Is(err, ErrFrameTooShort):
		return "too_short"
	case errors.Is(err, ErrPathOverrun):
		return "path_overrun"
	default:
		return "other"
	}
}
