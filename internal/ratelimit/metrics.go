package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate limit decisions.
var (
	rateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions by outcome",
		},
		[]string{"outcome"},
	)
)

// Decision outcomes for metrics.
const (
	outcomeAllowed    = "allowed"
	outcomeLimited    = "limited"
	outcomeFailOpen   = "fail_open"
	outcomeFailClosed = "fail_closed"
)
