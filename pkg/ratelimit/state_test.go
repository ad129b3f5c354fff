package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimitState_IsStale(t *testing.T) {
	tests := []struct {
		name       string
		lastUpdate time.Time
		maxAge     time.Duration
		want       bool
	}{
		{"fresh state", time.Now(), time.Minute, false},
		{"stale state", time.Now().Add(-2 * time.Minute), time.Minute, true},
		{"just within max age", time.Now().Add(-30 * time.Second), time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &RateLimitState{LastUpdate: tt.lastUpdate}
			if got := state.IsStale(tt.maxAge); got != tt.want {
				t.Errorf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitState_NeedsCriticalBlock(t *testing.T) {
	future := time.Now().Add(30 * time.Second)
	past := time.Now().Add(-time.Second)

	tests := []struct {
		name      string
		remaining int
		resetAt   time.Time
		want      bool
	}{
		{"healthy", 100, future, false},
		{"warning", 15, future, false},
		{"at critical threshold", ThresholdCritical, future, false},
		{"below critical", ThresholdCritical - 1, future, true},
		{"zero remaining", 0, future, true},
		{"window already reset", 0, past, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &RateLimitState{Remaining: tt.remaining, ResetAt: tt.resetAt}
			if got := state.NeedsCriticalBlock(); got != tt.want {
				t.Errorf("NeedsCriticalBlock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitState_NeedsThrottling(t *testing.T) {
	future := time.Now().Add(30 * time.Second)

	tests := []struct {
		name      string
		remaining int
		want      bool
	}{
		{"healthy", 100, false},
		{"warning", ThresholdWarning - 1, true},
		{"at warning threshold", ThresholdWarning, false},
		{"critical is not throttling", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &RateLimitState{Remaining: tt.remaining, ResetAt: future}
			if got := state.NeedsThrottling(); got != tt.want {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitState_TimeUntilReset(t *testing.T) {
	state := &RateLimitState{ResetAt: time.Now().Add(-time.Minute)}
	if got := state.TimeUntilReset(); got != 0 {
		t.Errorf("TimeUntilReset() for past reset = %v, want 0", got)
	}

	state.ResetAt = time.Now().Add(time.Minute)
	if got := state.TimeUntilReset(); got <= 50*time.Second || got > time.Minute {
		t.Errorf("TimeUntilReset() = %v, want ~1m", got)
	}
}

func TestRateLimitState_UpdateHealth(t *testing.T) {
	tests := []struct {
		remaining int
		want      bool
	}{
		{ThresholdHealthy + 1, true},
		{ThresholdHealthy, true},
		{ThresholdHealthy - 1, false},
		{0, false},
	}

	for _, tt := range tests {
		state := &RateLimitState{Remaining: tt.remaining}
		state.UpdateHealth()
		if state.IsHealthy != tt.want {
			t.Errorf("UpdateHealth() with remaining=%d: IsHealthy = %v, want %v", tt.remaining, state.IsHealthy, tt.want)
		}
	}
}
