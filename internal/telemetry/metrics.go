package telemetry

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
			Namespace: "mapeo",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mapeo",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	replicationSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mapeo",
			Subsystem: "replication",
			Name:      "sessions_total",
			Help:      "Replication sessions by target kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	replicationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mapeo",
			Subsystem: "replication",
			Name:      "session_duration_seconds",
			Help:      "Replication session duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind", "outcome"},
	)
	replicationActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mapeo",
			Subsystem: "replication",
			Name:      "sessions_active",
			Help:      "Replication sessions currently running.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, replicationSessions, replicationDuration, replicationActive)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// ReplicationStarted bumps the active session gauge. Pair it with
// RecordReplication once the session ends.
func ReplicationStarted() {
	RegisterMetrics()
	replicationActive.Inc()
}

func RecordReplication(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	replicationActive.Dec()
	replicationSessions.WithLabelValues(kind, outcome).Inc()
	replicationDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}
