package upstream

import (
	"net/http"
	"slices"
	"strings"
)

// hopByHopHeaders are meaningful for a single connection only and are never
// forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DefaultAllowedHeaders are the request headers forwarded in allowlist mode:
// credentials, content negotiation, conditional requests and ranges.
var DefaultAllowedHeaders = []string{
	"Authorization",
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// HeaderPolicy decides which inbound request headers reach the upstream.
type HeaderPolicy struct {
	forwardAll bool
	allowed    map[string]struct{}
}

// NewHeaderPolicy creates a policy. In allowlist mode only
// DefaultAllowedHeaders plus extra are forwarded; forwardAll forwards every
// header except hop-by-hop ones.
func NewHeaderPolicy(forwardAll bool, extra ...string) HeaderPolicy {
	allowed := make(map[string]struct{}, len(DefaultAllowedHeaders)+len(extra))
	for _, name := range DefaultAllowedHeaders {
		allowed[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for _, name := range extra {
		if name = strings.TrimSpace(name); name != "" {
			allowed[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
	return HeaderPolicy{forwardAll: forwardAll, allowed: allowed}
}

// ForwardAll reports whether the policy bypasses the allowlist.
func (p HeaderPolicy) ForwardAll() bool {
	return p.forwardAll
}

// Allowed returns the allowlisted header names in canonical form, sorted.
func (p HeaderPolicy) Allowed() []string {
	names := make([]string, 0, len(p.allowed))
	for name := range p.allowed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Outbound returns the headers to send upstream for an inbound header set.
// The inbound map is not modified. Host never appears in the result; the
// forwarder sets the outbound Host from the origin URL.
func (p HeaderPolicy) Outbound(in http.Header) http.Header {
	out := make(http.Header, len(p.allowed))

	if p.forwardAll {
		for name, values := range in {
			out[name] = append([]string(nil), values...)
		}
		StripHopByHop(out)
		out.Del("Host")
		return out
	}

	hop := connectionTokens(in)
	for name, values := range in {
		key := http.CanonicalHeaderKey(name)
		if _, ok := p.allowed[key]; !ok {
			continue
		}
		if _, ok := hop[key]; ok {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// connectionTokens returns the canonical header names listed in h's
// Connection header.
func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tokens[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	return tokens
}

// StripHopByHop removes hop-by-hop headers, including any named in the
// Connection header, from h in place.
func StripHopByHop(h http.Header) {
	for name := range connectionTokens(h) {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
