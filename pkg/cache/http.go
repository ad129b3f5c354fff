package cache

import (
	"net/http"
	"strconv"
	"time"
)

// ResponseHeader returns a copy of the cached headers with Age set
// relative to now. The stored header map is never modified.
func (e *Entry) ResponseHeader(now time.Time) http.Header {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	age := now.Sub(e.CachedAt)
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
	return h
}

// Cacheable reports whether a fetched response may be stored.
// Only complete 200 responses are cached; 206, 304 and every error status
// depend on request headers or upstream state outside the key.
func Cacheable(statusCode int) bool {
	return statusCode == http.StatusOK
}
