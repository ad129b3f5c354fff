// Package proxy routes inbound requests to the upstream origins.
//
// Every request is classified once and handled by exactly one branch:
//
//   - OPTIONS is answered locally with permissive CORS headers.
//   - The root path answers a fixed health payload.
//   - Paths under the media prefix are streamed from the media origin.
//   - Cache-eligible API reads (GET without opt-out headers) are served from
//     the store, or fetched once per key and stored when cacheable.
//   - Everything else is forwarded to the API origin untouched by the cache.
//
// One access log line is written per request when it completes or aborts.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
	"github.com/Sternrassler/api-cache-proxy/pkg/coalesce"
	"github.com/Sternrassler/api-cache-proxy/pkg/ratelimit"
	"github.com/Sternrassler/api-cache-proxy/pkg/upstream"
)

// Upstream is the forwarding side used by the router.
// *upstream.Forwarder implements it.
type Upstream interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error)
	Stream(ctx context.Context, w http.ResponseWriter, req upstream.Request) (upstream.StreamResult, error)
}

// Config holds router settings.
type Config struct {
	// MediaPrefix routes matching paths to the media origin, prefix stripped
	MediaPrefix string

	// CredentialHeader is hashed into the cache key
	CredentialHeader string

	// CredentialQueryParams are scrubbed before use and redacted in logs
	CredentialQueryParams []string

	// Coalesce merges concurrent misses for the same key
	Coalesce bool

	// Guard refuses upstream calls while the rate limit budget is critical
	Guard bool
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MediaPrefix:           "/media/",
		CredentialHeader:      "Authorization",
		CredentialQueryParams: []string{"api_key", "access_token"},
		Coalesce:              true,
	}
}

// FetchResult is the outcome of one upstream fetch for a cacheable request.
// It is shared by every caller coalesced onto the fetch and must be treated
// as read-only.
type FetchResult struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Duration    time.Duration
	Disposition cache.Disposition
	ErrorDetail string
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTracker feeds upstream rate limit headers into tracker and enables
// the guard when Config.Guard is set.
func WithTracker(tracker *ratelimit.Tracker) Option {
	return func(p *Proxy) {
		p.tracker = tracker
	}
}

// WithAccessLogger sets the logger receiving one line per request.
func WithAccessLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) {
		p.access = logger
	}
}

// WithClock sets the clock used for Age headers. It should match the
// store's clock.
func WithClock(now func() time.Time) Option {
	return func(p *Proxy) {
		p.now = now
	}
}

// Proxy is the request router. It is safe for concurrent use.
type Proxy struct {
	config      Config
	upstream    Upstream
	store       *cache.Store
	group       coalesce.Group[*FetchResult]
	credentials credentialParams
	tracker     *ratelimit.Tracker
	logger      zerolog.Logger
	access      zerolog.Logger
	now         func() time.Time
}

// New creates a router forwarding to up and caching in store.
func New(cfg Config, up Upstream, store *cache.Store, opts ...Option) *Proxy {
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = DefaultConfig().MediaPrefix
	}
	if cfg.CredentialHeader == "" {
		cfg.CredentialHeader = DefaultConfig().CredentialHeader
	}

	p := &Proxy{
		config:      cfg,
		upstream:    up,
		store:       store,
		credentials: newCredentialParams(cfg.CredentialQueryParams),
		logger:      log.With().Str("component", "proxy").Logger(),
		access:      log.With().Str("component", "access").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := newRequestContext(r)
	rec := &responseRecorder{ResponseWriter: w}

	rec.Header().Set("X-Request-Id", rc.ID)
	setCORSHeaders(rec.Header(), r)

	defer func() {
		if v := recover(); v != nil {
			panicsRecoveredTotal.Inc()
			rc.Err = fmt.Errorf("panic: %v", v)
			rc.proxyFailure = true
			p.logger.Error().
				Str("request_id", rc.ID).
				Interface("panic", v).
				Msg("Recovered handler panic")
			if !rec.wroteHeader {
				writeError(rec, http.StatusInternalServerError, "internal error", rc.ID)
			}
		}
		p.finish(rc, rec)
	}()

	switch {
	case r.Method == http.MethodOptions:
		rc.Class = ClassOptions
		rec.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/":
		rc.Class = ClassHealth
		writeJSON(rec, http.StatusOK, map[string]string{"status": "ok"})
	case strings.HasPrefix(r.URL.Path, p.config.MediaPrefix):
		rc.Class = ClassMedia
		p.serveMedia(rec, r, rc)
	default:
		p.serveAPI(rec, r, rc)
	}
}

func (p *Proxy) finish(rc *RequestContext, rec *responseRecorder) {
	switch {
	case rec.wroteHeader:
		rc.Status = rec.statusCode
	case rc.Status == 0:
		rc.Status = http.StatusOK
	}
	rc.Bytes = rec.bytes
	rc.emit(&p.access)
}

// serveMedia streams the media origin's response, prefix stripped.
func (p *Proxy) serveMedia(w *responseRecorder, r *http.Request, rc *RequestContext) {
	rawQuery, ok := p.prepareQuery(w, r, rc)
	if !ok {
		return
	}
	if !p.allowUpstream(w, r, rc) {
		return
	}

	req := upstream.Request{
		Method:   r.Method,
		Origin:   upstream.OriginMedia,
		Path:     "/" + strings.TrimPrefix(r.URL.Path, p.config.MediaPrefix),
		RawQuery: rawQuery,
		Header:   r.Header,
		Body:     r.Body,
	}

	result, err := p.upstream.Stream(r.Context(), w, req)
	rc.UpstreamStatus = result.StatusCode
	rc.UpstreamDuration = result.Duration
	if result.StatusCode != 0 {
		p.observeBudget(r.Context(), w.Header())
	}
	if err != nil {
		if w.wroteHeader {
			// Headers are gone; the stream can only end early.
			rc.Err = err
			return
		}
		p.writeUpstreamError(w, r, rc, err)
	}
}

// serveAPI classifies an API request and dispatches it.
func (p *Proxy) serveAPI(w *responseRecorder, r *http.Request, rc *RequestContext) {
	rc.Class = ClassAPIBypass
	if cacheEligible(r) {
		rc.Class = ClassAPICacheable
	}

	rawQuery, ok := p.prepareQuery(w, r, rc)
	if !ok {
		return
	}

	req := upstream.Request{
		Method:   r.Method,
		Origin:   upstream.OriginAPI,
		Path:     r.URL.Path,
		RawQuery: rawQuery,
		Header:   r.Header,
	}

	if rc.Class == ClassAPIBypass {
		p.serveBypass(w, r, rc, req)
		return
	}
	p.serveCacheable(w, r, rc, req)
}

// prepareQuery scrubs credentials from the query and records the redacted
// path. A malformed query is answered with 400.
func (p *Proxy) prepareQuery(w *responseRecorder, r *http.Request, rc *RequestContext) (string, bool) {
	rawQuery, outcome, err := p.credentials.scrub(r.URL.RawQuery)
	if err != nil {
		rc.Err = fmt.Errorf("malformed query: %w", err)
		writeError(w, http.StatusBadRequest, "bad request", rc.ID)
		return "", false
	}

	rc.CredentialScrub = outcome
	if redactedQuery := p.credentials.redact(rawQuery); redactedQuery != "" {
		rc.Path = r.URL.Path + "?" + redactedQuery
	}
	if outcome == ScrubScrubbed {
		p.logger.Warn().
			Str("request_id", rc.ID).
			Msg("Removed invisible characters from credential query parameter")
	}
	return rawQuery, true
}

// serveBypass forwards a request without consulting the cache.
func (p *Proxy) serveBypass(w *responseRecorder, r *http.Request, rc *RequestContext, req upstream.Request) {
	rc.Cache = cache.DispositionBypass
	if !p.allowUpstream(w, r, rc) {
		return
	}

	req.Body = r.Body
	resp, err := p.upstream.Fetch(r.Context(), req)
	if err != nil {
		p.writeUpstreamError(w, r, rc, err)
		return
	}
	p.observeBudget(r.Context(), resp.Header)

	rc.UpstreamStatus = resp.StatusCode
	rc.UpstreamDuration = resp.Duration
	rc.UpstreamError = resp.ErrorDetail

	p.writeResponse(w, r, resp.StatusCode, resp.Header, resp.Body, xCacheBypass)
}

// serveCacheable answers from the store or fetches once per key.
func (p *Proxy) serveCacheable(w *responseRecorder, r *http.Request, rc *RequestContext, req upstream.Request) {
	key := cache.BuildKey(r.URL.Path, req.RawQuery, r.Header.Get(p.config.CredentialHeader), r.Header.Get("Accept-Language"))
	rc.CacheKey = key

	if entry, ok := p.store.Get(key); ok {
		rc.Cache = cache.DispositionHit
		p.logger.Debug().Str("request_id", rc.ID).Str("path", rc.Path).Msg("Cache hit")
		p.writeResponse(w, r, entry.StatusCode, entry.ResponseHeader(p.now()), entry.Body, xCacheHit)
		return
	}

	if !p.allowUpstream(w, r, rc) {
		return
	}

	// The fetch may outlive this request when other callers wait on it.
	req.Header = r.Header.Clone()

	owner := false
	fetch := func(ctx context.Context) (*FetchResult, error) {
		owner = true
		return p.fetchAndStore(ctx, key, req)
	}

	var (
		res    *FetchResult
		shared bool
		err    error
	)
	if p.config.Coalesce {
		res, shared, err = p.group.Do(r.Context(), key, fetch)
	} else {
		res, err = fetch(r.Context())
	}
	if err != nil {
		p.writeUpstreamError(w, r, rc, err)
		return
	}

	rc.Coalesced = shared && !owner
	rc.Cache = res.Disposition
	rc.UpstreamStatus = res.StatusCode
	rc.UpstreamDuration = res.Duration
	rc.UpstreamError = res.ErrorDetail

	xCache := xCacheMiss
	if rc.Coalesced {
		xCache = xCacheCoalesced
	}
	p.writeResponse(w, r, res.StatusCode, res.Header, res.Body, xCache)
}

// fetchAndStore performs the upstream call for key and stores a cacheable
// result. It runs once per coalesced group.
func (p *Proxy) fetchAndStore(ctx context.Context, key string, req upstream.Request) (*FetchResult, error) {
	resp, err := p.upstream.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	p.observeBudget(ctx, resp.Header)

	res := &FetchResult{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        resp.Body,
		Duration:    resp.Duration,
		ErrorDetail: resp.ErrorDetail,
	}

	switch {
	case !cache.Cacheable(resp.StatusCode):
		res.Disposition = cache.DispositionSkippedStatus
	case p.store.Put(key, &cache.Entry{Body: resp.Body, StatusCode: resp.StatusCode, Header: resp.Header}, p.store.TTL()):
		res.Disposition = cache.DispositionStored
	default:
		res.Disposition = cache.DispositionSkippedSize
	}

	p.logger.Debug().
		Int("status", res.StatusCode).
		Int("size", len(res.Body)).
		Str("disposition", string(res.Disposition)).
		Msg("Fetched cacheable response")

	return res, nil
}

// writeResponse relays a buffered response. Proxy headers win over
// upstream headers of the same name.
func (p *Proxy) writeResponse(w *responseRecorder, r *http.Request, status int, header http.Header, body []byte, xCache string) {
	h := w.Header()
	requestID := h.Get("X-Request-Id")
	copyHeader(h, header)
	h.Set("X-Request-Id", requestID)
	h.Set("X-Cache", xCache)
	setCORSHeaders(h, r)

	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		p.logger.Debug().Err(err).Str("request_id", requestID).Msg("Failed to write response body")
	}
}

// writeUpstreamError maps a forwarding failure to a proxy response.
func (p *Proxy) writeUpstreamError(w *responseRecorder, r *http.Request, rc *RequestContext, err error) {
	rc.Err = err

	if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
		// The client is gone; nobody reads a response.
		rc.Status = statusClientClosed
		return
	}

	rc.proxyFailure = true

	var upErr *upstream.UpstreamError
	switch {
	case errors.As(err, &upErr) && upErr.ErrorClass == upstream.ErrorClassTimeout:
		writeError(w, http.StatusGatewayTimeout, "gateway timeout", rc.ID)
	case errors.As(err, &upErr):
		writeError(w, http.StatusBadGateway, "bad gateway", rc.ID)
	case errors.Is(err, coalesce.ErrFetchPanicked):
		writeError(w, http.StatusInternalServerError, "internal error", rc.ID)
	default:
		writeError(w, http.StatusBadGateway, "bad gateway", rc.ID)
	}
}

// allowUpstream applies the rate limit guard. Store errors fail open.
func (p *Proxy) allowUpstream(w *responseRecorder, r *http.Request, rc *RequestContext) bool {
	if !p.config.Guard || p.tracker == nil {
		return true
	}

	allowed, retryAfter, err := p.tracker.ShouldAllowRequest(r.Context())
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", rc.ID).Msg("Rate limit state unavailable, allowing request")
		return true
	}
	if allowed {
		return true
	}

	guardRejectionsTotal.Inc()
	rc.proxyFailure = true
	rc.Err = errors.New("upstream rate limit budget exhausted")
	w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	writeError(w, http.StatusServiceUnavailable, "upstream rate limit exhausted", rc.ID)
	return false
}

// observeBudget feeds upstream rate limit headers to the tracker.
func (p *Proxy) observeBudget(ctx context.Context, header http.Header) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.UpdateFromHeaders(ctx, header); err != nil {
		p.logger.Debug().Err(err).Msg("Ignoring malformed rate limit headers")
	}
}

// cacheEligible reports whether a request may be answered from the cache.
// Only plain GETs qualify: HEAD, non-safe methods, explicit no-cache,
// ranges and conditional requests depend on more than the cache key.
func cacheEligible(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.ContentLength > 0 {
		return false
	}
	for _, name := range []string{"Range", "If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range"} {
		if r.Header.Get(name) != "" {
			return false
		}
	}
	for _, directive := range r.Header.Values("Cache-Control") {
		d := strings.ToLower(directive)
		if strings.Contains(d, "no-cache") || strings.Contains(d, "no-store") {
			return false
		}
	}
	return !strings.Contains(strings.ToLower(r.Header.Get("Pragma")), "no-cache")
}
