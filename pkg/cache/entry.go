package cache

import (
	"net/http"
	"time"
)

// Disposition describes what the cache did with a request.
type Disposition string

const (
	// DispositionHit means the response was served from the store.
	DispositionHit Disposition = "hit"

	// DispositionStored means the fetched response was inserted.
	DispositionStored Disposition = "stored"

	// DispositionSkippedSize means the body exceeded the size ceiling.
	DispositionSkippedSize Disposition = "skipped-size"

	// DispositionSkippedStatus means the upstream status was not cacheable.
	DispositionSkippedStatus Disposition = "skipped-status"

	// DispositionBypass means the request never consulted the cache.
	DispositionBypass Disposition = "bypass"
)

// Entry represents a cached upstream response.
// Entries are immutable once stored; callers must not modify Body or Header.
type Entry struct {
	// Body is the response body, re-served verbatim
	Body []byte

	// StatusCode is the upstream status of the cached response
	StatusCode int

	// Header holds the upstream response headers
	Header http.Header

	// Expires is when the entry becomes dead
	Expires time.Time

	// CachedAt is when the entry was stored
	CachedAt time.Time
}

// IsExpiredAt reports whether the entry is dead at now.
func (e *Entry) IsExpiredAt(now time.Time) bool {
	return now.After(e.Expires)
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Size returns the payload size counted against the body ceiling.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}
