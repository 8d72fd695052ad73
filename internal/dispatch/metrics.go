package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for dispatched requests.
var (
	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_requests_total",
			Help: "Total number of dispatched requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func recordDispatch(route, outcome string, elapsed time.Duration) {
	dispatchRequestsTotal.WithLabelValues(route, outcome).Inc()
	dispatchDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
