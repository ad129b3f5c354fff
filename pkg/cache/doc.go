// Package cache provides the in-memory response cache used by the proxy.
//
// The store holds decoded upstream responses keyed by request identity and
// enforces three bounds on every mutation:
//
// - TTL: an entry is never returned once its expiry has passed
// - Body size: payloads larger than the configured ceiling are never stored
// - Capacity: the entry count never exceeds the configured maximum
//
// # Basic Usage
//
//	store := cache.NewStore(cache.Config{
//		TTL:          time.Minute,
//		MaxEntries:   1000,
//		MaxBodyBytes: 1 << 20,
//	})
//	go store.RunJanitor(ctx, time.Minute)
//
//	key := cache.BuildKey(r.URL.Path, r.URL.RawQuery,
//		r.Header.Get("Authorization"), r.Header.Get("Accept-Language"))
//
//	if entry, ok := store.Get(key); ok {
//		// serve entry.Body
//	}
//
//	store.Put(key, &cache.Entry{StatusCode: 200, Header: h, Body: body}, store.TTL())
//
// # Eviction
//
// When an insert pushes the store over capacity, entries with the soonest
// expiry are removed first. With a uniform TTL this degenerates to
// oldest-insert-first; it is not LRU, reads do not extend an entry's life.
//
// Expired entries are removed lazily by Get and in bulk by Sweep, which
// RunJanitor invokes on a fixed interval. Sweep only reclaims memory, Get
// enforces expiry on its own.
//
// # Metrics
//
//   - proxy_cache_hits_total - Cache hits
//   - proxy_cache_misses_total - Cache misses (including expired entries)
//   - proxy_cache_entries - Current entry count
//   - proxy_cache_size_bytes - Sum of cached body sizes
//   - proxy_cache_evictions_total{reason} - Removals by reason (expired, capacity)
//   - proxy_cache_rejections_total{reason} - Refused inserts by reason (size, ttl)
package cache
