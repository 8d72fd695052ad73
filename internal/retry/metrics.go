package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_backend_retries_total",
		Help: "Total number of backend call retries",
	},
)
