package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for backend calls.
var (
	backendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_requests_total",
			Help: "Total number of backend calls by backend and status class",
		},
		[]string{"backend", "status"},
	)

	backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func recordRequest(backend string, status int, elapsed time.Duration) {
	backendRequestsTotal.WithLabelValues(backend, statusLabel(status)).Inc()
	backendRequestDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func recordTimeout(backend string, elapsed time.Duration) {
	backendRequestsTotal.WithLabelValues(backend, "timeout").Inc()
	backendRequestDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func recordTransportError(backend string, elapsed time.Duration) {
	backendRequestsTotal.WithLabelValues(backend, "error").Inc()
	backendRequestDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}
