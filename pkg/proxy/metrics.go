package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total number of proxied requests by classification and response status",
	}, []string{"class", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "End-to-end request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	guardRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_guard_rejections_total",
		Help: "Total number of requests refused while the upstream budget was exhausted",
	})

	panicsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_panics_recovered_total",
		Help: "Total number of handler panics converted to 500 responses",
	})
)
