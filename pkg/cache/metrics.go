package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks cache misses, expired entries included
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheEntries tracks the current number of entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_entries",
			Help: "Current number of entries in the response cache",
		},
	)

	// CacheSize tracks the summed body size of all entries
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_size_bytes",
			Help: "Current size of cached response bodies in bytes",
		},
	)

	// CacheEvictions tracks removals by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"}, // "expired", "capacity"
	)

	// CacheRejections tracks inserts that were refused
	CacheRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_rejections_total",
			Help: "Total number of responses not stored in the cache",
		},
		[]string{"reason"}, // "size", "ttl"
	)
)
