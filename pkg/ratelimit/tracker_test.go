package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() *Tracker {
	return NewTracker(NewMemoryStore(), zerolog.Nop())
}

func rateLimitHeaders(remaining, reset string) http.Header {
	h := http.Header{}
	if remaining != "" {
		h.Set(HeaderRemaining, remaining)
	}
	if reset != "" {
		h.Set(HeaderReset, reset)
	}
	return h
}

func TestUpdateFromHeaders_ValidHeaders(t *testing.T) {
	tests := []struct {
		name            string
		remainHeader    string
		resetHeader     string
		expectedRemain  int
		expectedHealthy bool
	}{
		{"healthy state", "100", "60", 100, true},
		{"warning state", "15", "30", 15, false},
		{"critical state", "3", "45", 3, false},
		{"at healthy threshold", "50", "60", 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker()
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders(tt.remainHeader, tt.resetHeader)); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.expectedRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.expectedRemain)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	tests := []struct {
		name         string
		remainHeader string
		resetHeader  string
	}{
		{"non-numeric remaining", "abc", "60"},
		{"non-numeric reset", "10", "soon"},
		{"missing reset", "10", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker()
			if err := tracker.UpdateFromHeaders(context.Background(), rateLimitHeaders(tt.remainHeader, tt.resetHeader)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestUpdateFromHeaders_NoHeadersIgnored(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, zerolog.Nop())

	if err := tracker.UpdateFromHeaders(context.Background(), http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, _ := store.Load(context.Background())
	if state != nil {
		t.Errorf("expected no stored state, got %+v", state)
	}
}

func TestUpdateFromHeaders_ResetAsUnixTimestamp(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	resetAt := time.Now().Add(90 * time.Second).Truncate(time.Second)

	h := rateLimitHeaders("40", "")
	h.Set(HeaderReset, strconv.FormatInt(resetAt.Unix(), 10))

	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, _ := tracker.GetState(ctx)
	if !state.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt, resetAt)
	}
}

func TestGetState_DefaultWhenEmpty(t *testing.T) {
	state, err := newTestTracker().GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("default state should be healthy")
	}
	if state.Remaining != 100 {
		t.Errorf("default Remaining = %d, want 100", state.Remaining)
	}
}

func TestShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name        string
		remaining   string
		wantAllowed bool
	}{
		{"healthy allows", "100", true},
		{"warning allows", "15", true},
		{"critical blocks", "2", false},
		{"exhausted blocks", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker()
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, rateLimitHeaders(tt.remaining, "30")); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, retryAfter, err := tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}
			if !allowed && (retryAfter <= 0 || retryAfter > 30*time.Second) {
				t.Errorf("retryAfter = %v, want within (0, 30s]", retryAfter)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context) (*RateLimitState, error) {
	return nil, errors.New("store unavailable")
}

func (failingStore) Save(context.Context, *RateLimitState) error {
	return errors.New("store unavailable")
}

func TestShouldAllowRequest_StoreError(t *testing.T) {
	tracker := NewTracker(failingStore{}, zerolog.Nop())

	allowed, _, err := tracker.ShouldAllowRequest(context.Background())
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if allowed {
		t.Error("expected allowed = false on store error")
	}
}

func TestMemoryStore_ReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, &RateLimitState{Remaining: 10}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	state, _ := store.Load(ctx)
	state.Remaining = 0

	again, _ := store.Load(ctx)
	if again.Remaining != 10 {
		t.Errorf("stored state mutated through returned copy: Remaining = %d", again.Remaining)
	}

	if err := store.Save(ctx, nil); err == nil {
		t.Error("Save(nil) should fail")
	}
}
