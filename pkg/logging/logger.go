// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewAccessLogger derives the per-request access logger.
// Info and Debug lines are kept with probability rate; Warn and above are
// never sampled so failures always reach the log.
func NewAccessLogger(base zerolog.Logger, rate float64) zerolog.Logger {
	logger := base.With().Str("component", "access").Logger()
	if rate >= 1 {
		return logger
	}
	sampler := RateSampler(rate)
	return logger.Sample(&zerolog.LevelSampler{
		DebugSampler: sampler,
		InfoSampler:  sampler,
	})
}

// RateSampler keeps each event with the given probability.
type RateSampler float64

// Sample implements zerolog.Sampler.
func (r RateSampler) Sample(lvl zerolog.Level) bool {
	switch {
	case r <= 0:
		return false
	case r >= 1:
		return true
	default:
		return rand.Float64() < float64(r)
	}
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, disposition)
//   - Rate limit state updates (healthy)
//   - Internal state changes
//
// Info: Normal operation events
//   - One access line per proxied request
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit warnings
//   - Retry attempts
//   - Upstream 4xx/5xx passed through
//   - Credential values that had to be scrubbed
//
// Error: Error conditions requiring attention
//   - Upstream unreachable or timed out (after retries)
//   - Critical rate limit blocks
//   - Recovered handler panics
//   - Configuration errors
//
// Access line fields:
//   - request_id: correlation id, echoed in X-Request-Id
//   - method, path: request line with credentials redacted
//   - class: media, api-cacheable, api-bypass, options, health
//   - status, upstream_status: client-facing and upstream status codes
//   - duration, upstream_duration: total and upstream latency
//   - cache: hit, stored, skipped-size, skipped-status, bypass
//   - coalesced: true when the response was shared from another caller's fetch
//   - bytes: response body size
//   - credential_scrub: absent, clean, scrubbed
//   - error, upstream_error: transport failure and upstream error detail
