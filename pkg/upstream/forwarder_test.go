package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/api-cache-proxy/internal/testutil"
)

func newTestForwarder(t *testing.T, api, media *testutil.MockUpstream) *Forwarder {
	t.Helper()

	cfg := DefaultConfig(api.URL(), media.URL())
	cfg.Timeout = 2 * time.Second
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return f
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("https://api.example.com", "https://media.example.com/base"),
			expectError: false,
		},
		{
			name:        "bad api scheme",
			config:      DefaultConfig("ftp://api.example.com", "https://media.example.com"),
			expectError: true,
		},
		{
			name:        "missing media host",
			config:      DefaultConfig("https://api.example.com", "https://"),
			expectError: true,
		},
		{
			name: "zero timeout",
			config: Config{
				APIOrigin:   "https://api.example.com",
				MediaOrigin: "https://media.example.com",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if f == nil {
				t.Error("Forwarder is nil")
			}
		})
	}
}

func TestFetch_RelaysUpstreamStatus(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	api.SetResponse("/missing", testutil.NewNotFoundResponse())
	f := newTestForwarder(t, api, media)

	resp, err := f.Fetch(context.Background(), Request{
		Method: http.MethodGet,
		Origin: OriginAPI,
		Path:   "/missing",
	})
	if err != nil {
		t.Fatalf("Fetch() returned error for an upstream 404: %v", err)
	}

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if string(resp.Body) != testutil.NewNotFoundResponse().Body {
		t.Errorf("Body = %s, want upstream body", resp.Body)
	}
	if resp.ErrorDetail != "Data not found" {
		t.Errorf("ErrorDetail = %q, want %q", resp.ErrorDetail, "Data not found")
	}
}

func TestFetch_RequestShape(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	f := newTestForwarder(t, api, media)

	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	header.Set("Cookie", "session=1")
	header.Set("Accept-Encoding", "br")

	resp, err := f.Fetch(context.Background(), Request{
		Method:   http.MethodGet,
		Origin:   OriginAPI,
		Path:     "/v1/items",
		RawQuery: "b=2&a=1",
		Header:   header,
	})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}

	if got := api.LastRequestURI(); got != "/v1/items?b=2&a=1" {
		t.Errorf("request target = %q, want /v1/items?b=2&a=1", got)
	}

	last := api.LastRequest()
	if last.Host != api.Host() {
		t.Errorf("Host = %q, want %q", last.Host, api.Host())
	}
	if last.Header.Get("Authorization") != "Bearer abc" {
		t.Error("Authorization was not forwarded")
	}
	if last.Header.Get("Cookie") != "" {
		t.Error("Cookie was forwarded in allowlist mode")
	}
	if last.Header.Get("Accept-Encoding") == "br" {
		t.Error("client Accept-Encoding reached the upstream on a buffered fetch")
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Error("Content-Length should be dropped from buffered responses")
	}
}

func TestFetch_TransportError(t *testing.T) {
	api := testutil.NewMockUpstream()
	media := testutil.NewMockUpstream()
	defer media.Close()

	f := newTestForwarder(t, api, media)
	api.Close()

	_, err := f.Fetch(context.Background(), Request{Method: http.MethodGet, Path: "/x"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Fetch() error = %v, want *UpstreamError", err)
	}
	if upErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q, want network", upErr.ErrorClass)
	}
	if upErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport errors", upErr.StatusCode)
	}
}

func TestFetch_Timeout(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	api.SetResponse("/slow", testutil.MockResponse{StatusCode: 200, Delay: 300 * time.Millisecond})

	cfg := DefaultConfig(api.URL(), media.URL())
	cfg.Timeout = 50 * time.Millisecond
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = f.Fetch(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Fetch() error = %v, want *UpstreamError", err)
	}
	if upErr.ErrorClass != ErrorClassTimeout {
		t.Errorf("ErrorClass = %q, want timeout", upErr.ErrorClass)
	}
}

// flakyTransport fails the first n round trips with a connection error.
type flakyTransport struct {
	failures atomic.Int32
	n        int32
	next     http.RoundTripper
}

func (ft *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if ft.failures.Add(1) <= ft.n {
		return nil, errors.New("connection reset by peer")
	}
	return ft.next.RoundTrip(req)
}

func TestFetch_RetriesTransportErrorsForGet(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	cfg := DefaultConfig(api.URL(), media.URL())
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	f.SetHTTPClient(&http.Client{Transport: &flakyTransport{n: 2, next: http.DefaultTransport}})

	resp, err := f.Fetch(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	if err != nil {
		t.Fatalf("Fetch() failed after retries: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if api.GetRequestCount() != 1 {
		t.Errorf("upstream saw %d requests, want 1", api.GetRequestCount())
	}
}

func TestFetch_NoRetryForPost(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	cfg := DefaultConfig(api.URL(), media.URL())
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ft := &flakyTransport{n: 1, next: http.DefaultTransport}
	f.SetHTTPClient(&http.Client{Transport: ft})

	_, err = f.Fetch(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
	if err == nil {
		t.Fatal("Fetch() should fail without retrying a POST")
	}
	if got := ft.failures.Load(); got != 1 {
		t.Errorf("round trips = %d, want 1", got)
	}
}

func TestStream_PipesMedia(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	payload := "\x89PNG\r\n\x1a\nbinary-bytes"
	media.SetResponse("/img/1.png", testutil.NewMediaResponse(payload, "image/png"))
	f := newTestForwarder(t, api, media)

	rec := httptest.NewRecorder()
	result, err := f.Stream(context.Background(), rec, Request{
		Method: http.MethodGet,
		Origin: OriginMedia,
		Path:   "/img/1.png",
	})
	if err != nil {
		t.Fatalf("Stream() failed: %v", err)
	}

	if rec.Code != http.StatusOK || result.StatusCode != http.StatusOK {
		t.Errorf("status = %d/%d, want 200", rec.Code, result.StatusCode)
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q, want %q", rec.Body.String(), payload)
	}
	if result.Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", result.Bytes, len(payload))
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
	if media.GetPathCount("/img/1.png") != 1 || api.GetRequestCount() != 0 {
		t.Error("media request was not routed to the media origin only")
	}
}

func TestStream_RelaysContentEncoding(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	plain := strings.Repeat("tile-data ", 140)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(plain))
	zw.Close()
	compressed := buf.Bytes()

	var seen atomic.Value
	media.SetHandler("/tiles/1", func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Accept-Encoding"))
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
			w.Write(compressed)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(plain)))
		w.Write([]byte(plain))
	})
	f := newTestForwarder(t, api, media)

	tests := []struct {
		name           string
		acceptEncoding string
		wantEncoding   string
		wantBody       string
	}{
		{"client accepts gzip", "gzip", "gzip", string(compressed)},
		{"client sends no Accept-Encoding", "", "", plain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.acceptEncoding != "" {
				header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			rec := httptest.NewRecorder()
			_, err := f.Stream(context.Background(), rec, Request{
				Method: http.MethodGet,
				Origin: OriginMedia,
				Path:   "/tiles/1",
				Header: header,
			})
			if err != nil {
				t.Fatalf("Stream() failed: %v", err)
			}

			if got, _ := seen.Load().(string); got != tt.acceptEncoding {
				t.Errorf("origin saw Accept-Encoding %q, want %q", got, tt.acceptEncoding)
			}
			if got := rec.Header().Get("Content-Encoding"); got != tt.wantEncoding {
				t.Errorf("Content-Encoding = %q, want %q", got, tt.wantEncoding)
			}
			if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(tt.wantBody)) {
				t.Errorf("Content-Length = %q, want %d", got, len(tt.wantBody))
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body length = %d, want %d undecoded bytes", rec.Body.Len(), len(tt.wantBody))
			}
		})
	}
}

func TestStream_KeepsHeadersAlreadySet(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	media.SetHandler("/img", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "origin-id")
		w.Header().Set("Content-Type", "image/gif")
		w.Write([]byte("GIF"))
	})
	f := newTestForwarder(t, api, media)

	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-Id", "client-id")
	if _, err := f.Stream(context.Background(), rec, Request{Method: http.MethodGet, Origin: OriginMedia, Path: "/img"}); err != nil {
		t.Fatalf("Stream() failed: %v", err)
	}

	if got := rec.Header().Values("X-Request-Id"); len(got) != 1 || got[0] != "client-id" {
		t.Errorf("X-Request-Id = %v, want [client-id]", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/gif" {
		t.Errorf("Content-Type = %q, want image/gif", got)
	}
}

func TestForwarder_HeaderPolicy(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	cfg := DefaultConfig(api.URL(), media.URL())
	cfg.CredentialHeader = "x-api-key"
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	policy := f.HeaderPolicy()
	if policy.ForwardAll() {
		t.Error("ForwardAll() = true, want allowlist mode")
	}
	if !slices.Contains(policy.Allowed(), "X-Api-Key") {
		t.Errorf("Allowed() = %v, want it to include X-Api-Key", policy.Allowed())
	}
}

func TestStream_TransportErrorWritesNothing(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()

	f := newTestForwarder(t, api, media)
	media.Close()

	rec := httptest.NewRecorder()
	_, err := f.Stream(context.Background(), rec, Request{Method: http.MethodGet, Origin: OriginMedia, Path: "/img"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) || !upErr.IsTransport() {
		t.Fatalf("Stream() error = %v, want transport *UpstreamError", err)
	}
	if len(rec.Header()) != 0 || rec.Body.Len() != 0 {
		t.Error("Stream() wrote to the client before the upstream answered")
	}
}

func TestStream_MidStreamFailureKeepsStatus(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	media.SetHandler("/video", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		// Returning short of Content-Length makes the server drop the connection.
	})
	f := newTestForwarder(t, api, media)

	rec := httptest.NewRecorder()
	result, err := f.Stream(context.Background(), rec, Request{Method: http.MethodGet, Origin: OriginMedia, Path: "/video"})

	if err == nil {
		t.Fatal("Stream() should report the truncated body")
	}
	if rec.Code != http.StatusOK || result.StatusCode != http.StatusOK {
		t.Errorf("status = %d/%d, want the already-sent 200", rec.Code, result.StatusCode)
	}
	if rec.Body.String() != "partial" {
		t.Errorf("body = %q, want the bytes received before the failure", rec.Body.String())
	}
}

func TestStream_Head(t *testing.T) {
	api := testutil.NewMockUpstream()
	defer api.Close()
	media := testutil.NewMockUpstream()
	defer media.Close()

	media.SetResponse("/img", testutil.NewMediaResponse("abcdef", "image/gif"))
	f := newTestForwarder(t, api, media)

	rec := httptest.NewRecorder()
	result, err := f.Stream(context.Background(), rec, Request{Method: http.MethodHead, Origin: OriginMedia, Path: "/img"})
	if err != nil {
		t.Fatalf("Stream() failed: %v", err)
	}
	if result.Bytes != 0 || rec.Body.Len() != 0 {
		t.Error("HEAD stream copied a body")
	}
	if rec.Header().Get("Content-Length") != "6" {
		t.Errorf("Content-Length = %q, want 6", rec.Header().Get("Content-Length"))
	}
}
