package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
)

// Class is the routing decision made for a request.
type Class string

const (
	ClassOptions      Class = "options"
	ClassHealth       Class = "health"
	ClassMedia        Class = "media"
	ClassAPICacheable Class = "api-cacheable"
	ClassAPIBypass    Class = "api-bypass"
)

// statusClientClosed is logged when the client left before a response was written.
const statusClientClosed = 499

// RequestContext accumulates what happened to one request. It is filled in
// as the request moves through the router and consumed once by the access log.
type RequestContext struct {
	ID       string
	Method   string
	Path     string // redacted
	Class    Class
	CacheKey string
	Start    time.Time

	Status           int
	UpstreamStatus   int
	UpstreamDuration time.Duration
	Cache            cache.Disposition
	Coalesced        bool
	Bytes            int64
	CredentialScrub  ScrubOutcome
	Err              error
	UpstreamError    string

	// proxyFailure marks statuses generated by the proxy rather than relayed.
	proxyFailure bool
}

func newRequestContext(r *http.Request) *RequestContext {
	id := r.Header.Get("X-Request-Id")
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	return &RequestContext{
		ID:              id,
		Method:          r.Method,
		Path:            r.URL.Path,
		Start:           time.Now(),
		CredentialScrub: ScrubAbsent,
	}
}

// logEvent picks the level for the access line: proxy failures are errors,
// relayed upstream failures are warnings, everything else is info.
func (rc *RequestContext) logEvent(logger *zerolog.Logger) *zerolog.Event {
	switch {
	case rc.proxyFailure:
		return logger.Error()
	case rc.Status >= 400 && rc.Status != statusClientClosed:
		return logger.Warn()
	default:
		return logger.Info()
	}
}

func (rc *RequestContext) emit(logger *zerolog.Logger) {
	duration := time.Since(rc.Start)

	requestsTotal.WithLabelValues(string(rc.Class), strconv.Itoa(rc.Status)).Inc()
	requestDuration.WithLabelValues(string(rc.Class)).Observe(duration.Seconds())

	event := rc.logEvent(logger).
		Str("request_id", rc.ID).
		Str("method", rc.Method).
		Str("path", rc.Path).
		Str("class", string(rc.Class)).
		Int("status", rc.Status).
		Dur("duration", duration).
		Int64("bytes", rc.Bytes).
		Str("credential_scrub", string(rc.CredentialScrub))

	if rc.UpstreamStatus != 0 {
		event = event.
			Int("upstream_status", rc.UpstreamStatus).
			Dur("upstream_duration", rc.UpstreamDuration)
	}
	if rc.Cache != "" {
		event = event.Str("cache", string(rc.Cache)).Bool("coalesced", rc.Coalesced)
	}
	if rc.Err != nil {
		event = event.Err(rc.Err)
	}
	if rc.UpstreamError != "" {
		event = event.Str("upstream_error", rc.UpstreamError)
	}
	event.Msg("Request completed")
}
