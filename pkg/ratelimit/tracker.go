package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Response headers carrying the upstream budget.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// epochThreshold separates "seconds until reset" from absolute Unix
// timestamps in the reset header.
const epochThreshold = 1_000_000_000

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_upstream_rate_limit_remaining",
		Help: "Number of requests remaining in the current upstream rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_rate_limit_blocks_total",
		Help: "Total number of upstream calls blocked due to a critical rate limit budget",
	})

	rateLimitWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_rate_limit_warnings_total",
		Help: "Total number of upstream calls made while the budget was in the warning range",
	})
)

// Tracker monitors the upstream rate limit budget and gates requests.
type Tracker struct {
	store  StateStore
	logger zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(store StateStore, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
	}
}

// GetState retrieves the current rate limit state.
// Returns a default healthy state if nothing has been observed yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	if state == nil {
		t.logger.Debug().Msg("No rate limit state recorded, returning default healthy state")
		return &RateLimitState{
			Remaining:  100,
			ResetAt:    time.Now().Add(60 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders parses upstream rate limit headers and stores the state.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}

	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	state := &RateLimitState{
		Remaining:  remain,
		ResetAt:    resetTime(now, reset),
		LastUpdate: now,
	}
	state.UpdateHealth()

	if err := t.store.Save(ctx, state); err != nil {
		return err
	}

	rateLimitRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Upstream rate limit CRITICAL")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Upstream rate limit WARNING")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Upstream rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest checks whether an upstream call may be made.
// When it returns false, retryAfter is the time until the window resets.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (allowed bool, retryAfter time.Duration, err error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset()
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Upstream rate limit critical - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, wait, nil
	}

	if state.NeedsThrottling() {
		rateLimitWarningsTotal.Inc()
	}

	return true, 0, nil
}

// resetTime interprets the reset header as seconds from now, or as a Unix
// timestamp when the value is large enough to be one.
func resetTime(now time.Time, reset int64) time.Time {
	if reset >= epochThreshold {
		return time.Unix(reset, 0)
	}
	return now.Add(time.Duration(reset) * time.Second)
}
