// Package ratelimit tracks the upstream's rate-limit budget and gates
// requests when it is nearly spent.
// It reads the X-RateLimit-Remaining and X-RateLimit-Reset response headers
// so the proxy backs off before the upstream starts refusing its traffic.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "proxy:rate_limit:remaining"
	RedisKeyResetTimestamp = "proxy:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "proxy:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks upstream calls when remaining requests fall below this value.
	ThresholdCritical = 5

	// ThresholdWarning logs warnings when remaining requests fall below this value.
	ThresholdWarning = 20

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 50
)

// RateLimitState represents the current upstream rate limit state.
// With a Redis store this state is shared across all proxy instances.
type RateLimitState struct {
	// Remaining is the number of requests left in the current window.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	// Calculated from the X-RateLimit-Reset header.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if upstream calls should be blocked.
// A block never outlives the window it was observed in.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && time.Now().Before(s.ResetAt)
}

// NeedsThrottling returns true if the budget is in the warning range.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock() && time.Now().Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
