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
			Namespace: "racefwd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racefwd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "racefwd",
			Subsystem: "forwarder",
			Name:      "connections_active",
			Help:      "Currently open timing client connections.",
		},
		[]string{"protocol"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "forwarder",
			Name:      "connections_total",
			Help:      "Accepted timing client connections.",
		},
		[]string{"protocol"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "frame",
			Name:      "received_total",
			Help:      "Frames extracted from timing client streams.",
		},
		[]string{"protocol"},
	)
	staleBytesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "frame",
			Name:      "stale_bytes_dropped_total",
			Help:      "Buffered bytes discarded because the producer stalled.",
		},
		[]string{"protocol"},
	)
	readsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "reads",
			Name:      "forwarded_total",
			Help:      "Timing reads accepted by the upstream API.",
		},
		[]string{"protocol"},
	)
	readsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "reads",
			Name:      "dropped_total",
			Help:      "Timing reads discarded before or during delivery.",
		},
		[]string{"protocol", "reason"},
	)
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racefwd",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests sent to the timing ingest API.",
		},
		[]string{"status"},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racefwd",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Timing ingest API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectionsActive,
			connectionsTotal,
			framesReceived,
			staleBytesDropped,
			readsForwarded,
			readsDropped,
			upstreamRequests,
			upstreamDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectionOpened(protocol string) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(protocol).Inc()
	connectionsActive.WithLabelValues(protocol).Inc()
}

func RecordConnectionClosed(protocol string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(protocol).Dec()
}

func RecordFrame(protocol string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(protocol).Inc()
}

func RecordStaleBytes(protocol string, n int) {
	RegisterMetrics()
	staleBytesDropped.WithLabelValues(protocol).Add(float64(n))
}

func RecordReadForwarded(protocol string) {
	RegisterMetrics()
	readsForwarded.WithLabelValues(protocol).Inc()
}

func RecordReadDropped(protocol, reason string) {
	RegisterMetrics()
	readsDropped.WithLabelValues(protocol, reason).Inc()
}

// RecordUpstream observes one ingest API call; status 0 means transport failure.
func RecordUpstream(status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	upstreamRequests.WithLabelValues(statusLabel).Inc()
	upstreamDuration.WithLabelValues(statusLabel).Observe(duration.Seconds())
}
