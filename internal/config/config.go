// Package config loads the proxy configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting of the proxy process.
type Config struct {
	Port      string
	AdminPort string

	APIOrigin   string
	MediaOrigin string
	MediaPrefix string

	CacheTTL          time.Duration
	CacheMaxEntries   int
	CacheMaxBodyBytes int64

	ForwardAllHeaders bool
	UpstreamKeepAlive bool
	CoalesceRequests  bool

	AccessLogSampleRate float64

	UpstreamTimeout     time.Duration
	UpstreamMaxAttempts int

	CredentialHeader      string
	CredentialQueryParams []string

	RedisURL       string
	RateLimitGuard bool

	LogLevel  string
	LogPretty bool
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Port:                  "8080",
		AdminPort:             "9090",
		APIOrigin:             "https://api.example.com",
		MediaOrigin:           "https://media.example.com",
		MediaPrefix:           "/media/",
		CacheTTL:              60 * time.Second,
		CacheMaxEntries:       1000,
		CacheMaxBodyBytes:     1 << 20,
		ForwardAllHeaders:     false,
		UpstreamKeepAlive:     true,
		CoalesceRequests:      true,
		AccessLogSampleRate:   1.0,
		UpstreamTimeout:       30 * time.Second,
		UpstreamMaxAttempts:   1,
		CredentialHeader:      "Authorization",
		CredentialQueryParams: []string{"api_key", "access_token"},
		LogLevel:              "info",
	}
}

// Load reads the configuration through getenv, typically os.Getenv.
// Unset or empty variables keep their defaults; malformed values are errors.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	cfg.Port = p.str("PORT", cfg.Port)
	cfg.AdminPort = p.str("ADMIN_PORT", cfg.AdminPort)
	cfg.APIOrigin = p.str("API_ORIGIN", cfg.APIOrigin)
	cfg.MediaOrigin = p.str("MEDIA_ORIGIN", cfg.MediaOrigin)
	cfg.MediaPrefix = p.str("MEDIA_PREFIX", cfg.MediaPrefix)
	cfg.CacheTTL = p.duration("CACHE_TTL", cfg.CacheTTL)
	cfg.CacheMaxEntries = p.integer("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	cfg.CacheMaxBodyBytes = int64(p.integer("CACHE_MAX_BODY_BYTES", int(cfg.CacheMaxBodyBytes)))
	cfg.ForwardAllHeaders = p.boolean("FORWARD_ALL_HEADERS", cfg.ForwardAllHeaders)
	cfg.UpstreamKeepAlive = p.boolean("UPSTREAM_KEEP_ALIVE", cfg.UpstreamKeepAlive)
	cfg.CoalesceRequests = p.boolean("COALESCE_REQUESTS", cfg.CoalesceRequests)
	cfg.AccessLogSampleRate = p.float("ACCESS_LOG_SAMPLE_RATE", cfg.AccessLogSampleRate)
	cfg.UpstreamTimeout = p.duration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.UpstreamMaxAttempts = p.integer("UPSTREAM_MAX_ATTEMPTS", cfg.UpstreamMaxAttempts)
	cfg.CredentialHeader = p.str("CREDENTIAL_HEADER", cfg.CredentialHeader)
	cfg.CredentialQueryParams = p.list("CREDENTIAL_QUERY_PARAMS", cfg.CredentialQueryParams)
	cfg.RedisURL = p.str("REDIS_URL", cfg.RedisURL)
	cfg.RateLimitGuard = p.boolean("RATE_LIMIT_GUARD", cfg.RateLimitGuard)
	cfg.LogLevel = p.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = p.boolean("LOG_PRETTY", cfg.LogPretty)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that parsing alone cannot catch.
func (c Config) Validate() error {
	var errs []error
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.CacheMaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.CacheMaxEntries))
	}
	if c.CacheMaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_BODY_BYTES must be positive, got %d", c.CacheMaxBodyBytes))
	}
	if c.AccessLogSampleRate < 0 || c.AccessLogSampleRate > 1 {
		errs = append(errs, fmt.Errorf("ACCESS_LOG_SAMPLE_RATE must be within [0, 1], got %g", c.AccessLogSampleRate))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout))
	}
	if c.UpstreamMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1, got %d", c.UpstreamMaxAttempts))
	}
	if !strings.HasPrefix(c.MediaPrefix, "/") || c.MediaPrefix == "/" {
		errs = append(errs, fmt.Errorf("MEDIA_PREFIX must start with / and not be the root, got %q", c.MediaPrefix))
	}
	if c.CredentialHeader == "" {
		errs = append(errs, errors.New("CREDENTIAL_HEADER must not be empty"))
	}
	return errors.Join(errs...)
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, defaultValue string) string {
	if value := strings.TrimSpace(p.getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		secs, intErr := strconv.Atoi(raw)
		if intErr != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			return defaultValue
		}
		d = time.Duration(secs) * time.Second
	}
	return d
}

func (p *parser) integer(key string, defaultValue int) int {
	raw := p.str(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) float(key string, defaultValue float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) boolean(key string, defaultValue bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) list(key string, defaultValue []string) []string {
	raw := p.str(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
