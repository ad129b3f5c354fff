package upstream

import (
	"encoding/json"
	"strings"
)

// maxErrorDetailLen bounds the detail copied into log lines.
const maxErrorDetailLen = 256

// ExtractErrorDetail pulls a human-readable message out of a JSON error body.
// It understands the common shapes:
//
//	{"error": "message"}
//	{"error": {"message": "..."}}
//	{"message": "..."}
//	{"status": {"message": "...", "status_code": 403}}
//
// Returns "" for non-JSON bodies or bodies without a recognizable message.
func ExtractErrorDetail(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "json") {
		return ""
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}

	for _, field := range []string{"error", "status", "message", "detail", "error_description"} {
		if msg := messageFrom(doc[field]); msg != "" {
			return truncate(msg)
		}
	}
	return ""
}

func messageFrom(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		for _, field := range []string{"message", "detail", "error", "description"} {
			if s, ok := val[field].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorDetailLen {
		return s
	}
	return s[:maxErrorDetailLen] + "..."
}
