package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiocast",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "audiocast",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiocast",
			Subsystem: "transfer",
			Name:      "events_total",
			Help:      "Transfer lifecycle events by direction and phase.",
		},
		[]string{"node", "direction", "phase"},
	)
	chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiocast",
			Subsystem: "transfer",
			Name:      "chunks_total",
			Help:      "Chunks handed to the transport (out) or applied to a reassembly buffer (in).",
		},
		[]string{"node", "direction"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiocast",
			Subsystem: "transport",
			Name:      "send_errors_total",
			Help:      "Transport send failures by delivery class.",
		},
		[]string{"node", "class"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiocast",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Inbound messages discarded before dispatch.",
		},
		[]string{"node", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, transfers, chunks, sendErrors, dropped)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordTransfer counts one lifecycle step; direction is "in" or "out".
func RecordTransfer(node, direction, phase string) {
	RegisterMetrics()
	transfers.WithLabelValues(node, direction, phase).Inc()
}

func RecordChunk(node, direction string) {
	RegisterMetrics()
	chunks.WithLabelValues(node, direction).Inc()
}

func RecordSendError(node, class string) {
	RegisterMetrics()
	sendErrors.WithLabelValues(node, class).Inc()
}

func RecordDropped(node, reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(node, reason).Inc()
}
