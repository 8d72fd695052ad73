package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for circuit breakers.
var (
	breakerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_successes_total",
			Help: "Total number of successful calls recorded per backend",
		},
		[]string{"backend"},
	)

	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_failures_total",
			Help: "Total number of failed calls recorded per backend",
		},
		[]string{"backend"},
	)

	breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_rejections_total",
			Help: "Total number of calls rejected while the circuit was open",
		},
		[]string{"backend"},
	)
)
