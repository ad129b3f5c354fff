// Package metrics exposes the Prometheus registry for the caching proxy.
// All metrics are defined in their respective packages (cache, coalesce,
// upstream, ratelimit, proxy) to maintain modularity and avoid circular
// dependencies.
//
// This package serves the registry over HTTP and documents every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry read side served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics endpoint for the admin listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Proxy Metrics (pkg/proxy):
//   - proxy_requests_total{class, status} (Counter): Requests by classification and response status
//   - proxy_request_duration_seconds{class} (Histogram): End-to-end request duration
//   - proxy_guard_rejections_total (Counter): Requests refused while the upstream budget was exhausted
//   - proxy_panics_recovered_total (Counter): Handler panics converted to 500 responses
//
// Cache Metrics (pkg/cache):
//   - proxy_cache_hits_total (Counter): Lookups served from the store
//   - proxy_cache_misses_total (Counter): Lookups that found nothing or an expired entry
//   - proxy_cache_entries (Gauge): Current number of entries
//   - proxy_cache_size_bytes (Gauge): Current total body bytes held
//   - proxy_cache_evictions_total{reason} (Counter): Evictions by reason (capacity, expired)
//   - proxy_cache_rejections_total{reason} (Counter): Puts refused by reason (size, ttl)
//
// Coalescing Metrics (pkg/coalesce):
//   - proxy_coalesce_fetches_total (Counter): Upstream fetches started by a group
//   - proxy_coalesce_shared_total (Counter): Callers served by another caller's fetch
//   - proxy_coalesce_abandoned_total (Counter): Waiters that left before the fetch finished
//
// Upstream Metrics (pkg/upstream):
//   - proxy_upstream_requests_total{origin, status} (Counter): Upstream requests by origin and status
//   - proxy_upstream_request_duration_seconds{origin} (Histogram): Upstream latency
//   - proxy_upstream_errors_total{class} (Counter): Errors by class (client, server, network, timeout)
//   - proxy_upstream_streamed_bytes_total (Counter): Media bytes relayed to clients
//   - proxy_upstream_retries_total{error_class} (Counter): Retry attempts
//   - proxy_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - proxy_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - proxy_upstream_rate_limit_remaining (Gauge): Requests remaining in the upstream window
//   - proxy_rate_limit_blocks_total (Counter): Upstream calls blocked on a critical budget
//   - proxy_rate_limit_warnings_total (Counter): Upstream calls made with a budget in the warning range
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(proxy_cache_hits_total[5m])) /
//   (sum(rate(proxy_cache_hits_total[5m])) + sum(rate(proxy_cache_misses_total[5m])))
//
//   # Coalescing Ratio
//   rate(proxy_coalesce_shared_total[5m]) / rate(proxy_coalesce_fetches_total[5m])
//
//   # Upstream Error Rate
//   rate(proxy_upstream_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(proxy_request_duration_seconds_bucket[5m]))
