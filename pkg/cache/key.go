package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// credentialHashLen is the number of hex characters kept from the
// credential digest.
const credentialHashLen = 32

// Key represents the identity of a cacheable request.
type Key struct {
	// Path is the request path (e.g., "/v1/items/42")
	Path string

	// RawQuery is the query string exactly as received, order preserved
	RawQuery string

	// Credential is the raw credential header value; only its digest enters the key
	Credential string

	// Language is the raw Accept-Language value
	Language string
}

// String generates a deterministic cache key string.
// Format: api:<path>[?<query>][\ncred:<digest>][\nlang:<language>]
//
// Fields are separated by newlines, which cannot occur in a request target or
// a header value, so no combination of inputs can produce another's key.
//
// Example:
//
//	api:/v1/items/42?page=2
//	cred:9f86d081884c7d659a2feaa0c55ad015
//	lang:de-DE
func (k Key) String() string {
	var b strings.Builder
	b.WriteString("api:")
	b.WriteString(normalizePath(k.Path))
	if k.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(k.RawQuery)
	}
	if k.Credential != "" {
		b.WriteString("\ncred:")
		b.WriteString(credentialDigest(k.Credential))
	}
	if k.Language != "" {
		b.WriteString("\nlang:")
		b.WriteString(k.Language)
	}
	return b.String()
}

// BuildKey derives the cache key for a request.
// Query parameter order is significant: "a=1&b=2" and "b=2&a=1" are distinct keys.
func BuildKey(path, rawQuery, credential, language string) string {
	return Key{
		Path:       path,
		RawQuery:   rawQuery,
		Credential: credential,
		Language:   language,
	}.String()
}

// normalizePath cleans dot segments and duplicate slashes while keeping a
// trailing slash, which many APIs treat as significant.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func credentialDigest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:credentialHashLen]
}
