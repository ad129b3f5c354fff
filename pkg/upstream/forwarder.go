// Package upstream forwards proxied requests to the upstream origins.
//
// Two modes are provided. Fetch performs a buffered call and returns the full
// body, for API traffic that may be cached. Stream pipes a media response to
// the client without buffering it. Both relay any upstream status verbatim;
// only transport failures (DNS, TLS, connect, reset, timeout) are returned as
// errors, as *UpstreamError.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_requests_total",
		Help: "Total upstream requests by origin and status",
	}, []string{"origin", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by origin",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"origin"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	upstreamStreamedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_upstream_streamed_bytes_total",
		Help: "Total bytes piped from the media origin to clients",
	})
)

// Origin selects the upstream a request is sent to.
type Origin string

const (
	// OriginAPI is the JSON API origin.
	OriginAPI Origin = "api"

	// OriginMedia is the binary media origin.
	OriginMedia Origin = "media"
)

// Config holds the forwarder configuration.
type Config struct {
	// APIOrigin is the base URL of the API upstream (e.g., "https://api.example.com")
	APIOrigin string

	// MediaOrigin is the base URL of the media upstream
	MediaOrigin string

	// Timeout bounds a buffered fetch end to end
	Timeout time.Duration

	// KeepAlive enables connection reuse to the upstreams
	KeepAlive bool

	// ForwardAllHeaders bypasses the request header allowlist
	ForwardAllHeaders bool

	// CredentialHeader is added to the allowlist when it is not a default header
	CredentialHeader string

	// Retry governs transport error retries for GET and HEAD
	Retry RetryConfig
}

// DefaultConfig returns a default forwarder configuration.
func DefaultConfig(apiOrigin, mediaOrigin string) Config {
	return Config{
		APIOrigin:        apiOrigin,
		MediaOrigin:      mediaOrigin,
		Timeout:          30 * time.Second,
		KeepAlive:        true,
		CredentialHeader: "Authorization",
		Retry:            DefaultRetryConfig(),
	}
}

// Request describes one outbound call.
type Request struct {
	Method   string
	Origin   Origin
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// Response is a fully buffered upstream response.
// Responses may be shared between goroutines; treat them as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration

	// ErrorDetail is the error message embedded in an upstream error body, if any
	ErrorDetail string
}

// StreamResult summarizes a piped response.
type StreamResult struct {
	StatusCode int
	Bytes      int64
	Duration   time.Duration
}

// Forwarder issues requests to the upstream origins.
type Forwarder struct {
	apiClient    *http.Client
	streamClient *http.Client
	apiBase      *url.URL
	mediaBase    *url.URL
	headers      HeaderPolicy
	config       Config
	logger       zerolog.Logger
}

// New creates a forwarder.
func New(cfg Config) (*Forwarder, error) {
	apiBase, err := parseOrigin(cfg.APIOrigin)
	if err != nil {
		return nil, fmt.Errorf("api origin: %w", err)
	}

	mediaBase, err := parseOrigin(cfg.MediaOrigin)
	if err != nil {
		return nil, fmt.Errorf("media origin: %w", err)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = !cfg.KeepAlive
	transport.ResponseHeaderTimeout = cfg.Timeout

	// Media bytes are relayed as the origin encoded them.
	streamTransport := transport.Clone()
	streamTransport.DisableCompression = true

	logger := log.With().Str("component", "upstream").Logger()

	return &Forwarder{
		apiClient: &http.Client{
			Transport:     transport,
			Timeout:       cfg.Timeout,
			CheckRedirect: noRedirect,
		},
		// No overall timeout: media bodies may take longer than any fixed bound.
		streamClient: &http.Client{
			Transport:     streamTransport,
			CheckRedirect: noRedirect,
		},
		apiBase:   apiBase,
		mediaBase: mediaBase,
		headers:   NewHeaderPolicy(cfg.ForwardAllHeaders, cfg.CredentialHeader),
		config:    cfg,
		logger:    logger,
	}, nil
}

// SetHTTPClient replaces the buffered and streaming clients (for testing).
func (f *Forwarder) SetHTTPClient(client *http.Client) {
	f.apiClient = client
	f.streamClient = client
}

// HeaderPolicy returns the request header policy in effect.
func (f *Forwarder) HeaderPolicy() HeaderPolicy {
	return f.headers
}

// Fetch performs a buffered upstream call. Any upstream status is a valid
// result; the returned error is always an *UpstreamError describing a
// transport failure.
func (f *Forwarder) Fetch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	origin := req.Origin
	if origin == "" {
		origin = OriginAPI
	}
	defer func() {
		upstreamRequestDuration.WithLabelValues(string(origin)).Observe(time.Since(start).Seconds())
	}()

	var resp *http.Response
	var body []byte

	attempt := func() error {
		outReq, err := f.newRequest(ctx, req)
		if err != nil {
			return err
		}
		// Let the transport negotiate and decode compression; the body is
		// cached and re-served regardless of the client's Accept-Encoding.
		outReq.Header.Del("Accept-Encoding")

		r, err := f.apiClient.Do(outReq)
		if err != nil {
			return f.transportError(origin, "request failed", err)
		}
		defer r.Body.Close()

		b, err := io.ReadAll(r.Body)
		if err != nil {
			return f.transportError(origin, "read response body", err)
		}

		resp, body = r, b
		return nil
	}

	retry := RetryConfig{MaxAttempts: 1}
	if isReplayable(req) {
		retry = f.config.Retry
	}
	if err := retryWithBackoff(ctx, retry, attempt, classifyForRetry); err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	StripHopByHop(header)
	if req.Method != http.MethodHead {
		// The body length is known; net/http recomputes it when re-serving.
		header.Del("Content-Length")
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Duration:   time.Since(start),
	}
	f.observeStatus(origin, req, resp.StatusCode)
	if resp.StatusCode >= 400 {
		result.ErrorDetail = ExtractErrorDetail(header.Get("Content-Type"), body)
	}

	return result, nil
}

// Stream pipes an upstream response to w without buffering the body.
// The client's Accept-Encoding is forwarded and the body is relayed
// undecoded, so Content-Encoding and Content-Length pass through intact.
// Transport errors before the upstream answers are returned as
// *UpstreamError and nothing is written to w. Once headers are written, a
// failure can only cut the body short; it is returned alongside a result
// carrying the already-sent status.
func (f *Forwarder) Stream(ctx context.Context, w http.ResponseWriter, req Request) (StreamResult, error) {
	start := time.Now()
	origin := req.Origin
	if origin == "" {
		origin = OriginMedia
	}
	defer func() {
		upstreamRequestDuration.WithLabelValues(string(origin)).Observe(time.Since(start).Seconds())
	}()

	var resp *http.Response
	attempt := func() error {
		outReq, err := f.newRequest(ctx, req)
		if err != nil {
			return err
		}
		if ae := req.Header.Values("Accept-Encoding"); len(ae) > 0 {
			outReq.Header["Accept-Encoding"] = append([]string(nil), ae...)
		}
		r, err := f.streamClient.Do(outReq)
		if err != nil {
			return f.transportError(origin, "request failed", err)
		}
		resp = r
		return nil
	}

	retry := RetryConfig{MaxAttempts: 1}
	if isReplayable(req) {
		retry = f.config.Retry
	}
	if err := retryWithBackoff(ctx, retry, attempt, classifyForRetry); err != nil {
		return StreamResult{}, err
	}
	defer resp.Body.Close()

	f.observeStatus(origin, req, resp.StatusCode)

	// Headers the caller already set on w win over the upstream's.
	upstreamHeader := resp.Header.Clone()
	StripHopByHop(upstreamHeader)
	header := w.Header()
	for name, values := range upstreamHeader {
		if _, set := header[name]; set {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	result := StreamResult{StatusCode: resp.StatusCode}
	if req.Method == http.MethodHead {
		result.Duration = time.Since(start)
		return result, nil
	}

	n, err := io.Copy(flushWriter{w}, resp.Body)
	result.Bytes = n
	result.Duration = time.Since(start)
	upstreamStreamedBytes.Add(float64(n))

	if err != nil {
		class := classifyTransportError(err)
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		return result, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    "stream interrupted",
			Err:        err,
		}
	}
	return result, nil
}

// newRequest builds the outbound request for req.
func (f *Forwarder) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	base := f.apiBase
	if req.Origin == OriginMedia {
		base = f.mediaBase
	}

	target := *base
	target.Path = joinPath(base.Path, req.Path)
	target.RawPath = ""
	target.RawQuery = req.RawQuery

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	outReq, err := http.NewRequestWithContext(ctx, method, target.String(), req.Body)
	if err != nil {
		return nil, &UpstreamError{
			ErrorClass: ErrorClassNetwork,
			Message:    "create request",
			Err:        err,
		}
	}

	outReq.Header = f.headers.Outbound(req.Header)
	outReq.Host = base.Host
	return outReq, nil
}

func (f *Forwarder) transportError(origin Origin, msg string, err error) *UpstreamError {
	class := classifyTransportError(err)
	upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
	upstreamRequestsTotal.WithLabelValues(string(origin), string(class)+"_error").Inc()

	f.logger.Error().
		Err(err).
		Str("origin", string(origin)).
		Str("error_class", string(class)).
		Msg("Upstream transport error")

	return &UpstreamError{
		ErrorClass: class,
		Message:    msg,
		Err:        err,
	}
}

func (f *Forwarder) observeStatus(origin Origin, req Request, status int) {
	upstreamRequestsTotal.WithLabelValues(string(origin), strconv.Itoa(status)).Inc()

	if class := ClassifyStatus(status); class != "" {
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		f.logger.Debug().
			Str("origin", string(origin)).
			Str("method", req.Method).
			Int("status", status).
			Str("error_class", string(class)).
			Msg("Upstream returned error status")
	}
}

// classifyForRetry reads the class carried by an *UpstreamError.
func classifyForRetry(err error) ErrorClass {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.ErrorClass
	}
	return classifyTransportError(err)
}

// isReplayable reports whether a failed attempt may be sent again.
func isReplayable(req Request) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return req.Method == "" || req.Method == http.MethodGet || req.Method == http.MethodHead
}

func noRedirect(*http.Request, []*http.Request) error {
	// Redirects are relayed to the client as-is.
	return http.ErrUseLastResponse
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// flushWriter flushes after every write so media bytes reach the client as
// they arrive.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
