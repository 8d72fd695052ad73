package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for store operations.
var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_operations_total",
			Help: "Total number of credential store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_store_operation_duration_seconds",
			Help:    "Duration of credential store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	storeGuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_store_guard_rejections_total",
			Help: "Total number of operations rejected by the store availability guard",
		},
	)
)

// recordOperation records the outcome and duration of a store operation.
func recordOperation(operation, status string, start time.Time) {
	storeOperationsTotal.WithLabelValues(operation, status).Inc()
	storeOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
