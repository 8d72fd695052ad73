package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for token lifecycle operations.
var (
	tokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_tokens_issued_total",
			Help: "Total number of token pairs issued",
		},
	)

	tokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Total number of token verifications by outcome",
		},
		[]string{"result"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_refreshes_total",
			Help: "Total number of refresh exchanges by outcome",
		},
		[]string{"result"},
	)

	tokenReuseDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_token_reuse_detected_total",
			Help: "Total number of refresh token reuse detections",
		},
	)

	subjectRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_subject_revocations_total",
			Help: "Total number of subject-wide revocations",
		},
	)
)
