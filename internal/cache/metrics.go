package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the authorization cache.
var (
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_authz_cache_hits_total",
			Help: "Total number of authorization cache hits",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_authz_cache_misses_total",
			Help: "Total number of authorization cache misses",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_authz_cache_evictions_total",
			Help: "Total number of authorization cache LRU evictions",
		},
	)
)
