package proxy

import (
	"net/url"
	"strings"
	"unicode"
)

// ScrubOutcome records what credential scrubbing did to a request.
type ScrubOutcome string

const (
	// ScrubAbsent means no credential query parameter was present.
	ScrubAbsent ScrubOutcome = "absent"

	// ScrubClean means credentials were present and needed no change.
	ScrubClean ScrubOutcome = "clean"

	// ScrubScrubbed means invisible characters were removed from a credential.
	ScrubScrubbed ScrubOutcome = "scrubbed"
)

const redacted = "REDACTED"

// credentialParams is the set of query parameter names holding credentials.
type credentialParams map[string]struct{}

func newCredentialParams(names []string) credentialParams {
	set := make(credentialParams, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (c credentialParams) has(name string) bool {
	_, ok := c[name]
	return ok
}

// scrub removes whitespace, control and format characters (zero-width
// spaces, BOMs) from credential values in rawQuery. Parameter order and
// every other byte of the query are preserved. A malformed escape anywhere
// in the query is an error.
func (c credentialParams) scrub(rawQuery string) (string, ScrubOutcome, error) {
	if rawQuery == "" {
		return rawQuery, ScrubAbsent, nil
	}

	outcome := ScrubAbsent
	parts := strings.Split(rawQuery, "&")
	for i, part := range parts {
		name, value, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(name)
		if err != nil {
			return "", outcome, err
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			return "", outcome, err
		}
		if !c.has(key) {
			continue
		}

		cleaned := strings.Map(dropInvisible, decoded)
		if cleaned == decoded {
			if outcome == ScrubAbsent {
				outcome = ScrubClean
			}
			continue
		}

		outcome = ScrubScrubbed
		parts[i] = name + "=" + url.QueryEscape(cleaned)
	}
	return strings.Join(parts, "&"), outcome, nil
}

// redact replaces credential values in rawQuery for logging.
func (c credentialParams) redact(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	for i, part := range parts {
		name, _, hasValue := strings.Cut(part, "=")
		key, err := url.QueryUnescape(name)
		if err != nil {
			key = name
		}
		if c.has(key) && hasValue {
			parts[i] = name + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}

func dropInvisible(r rune) rune {
	if unicode.IsSpace(r) || unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
		return -1
	}
	return r
}
