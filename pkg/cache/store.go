package cache

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the store bounds.
type Config struct {
	// TTL is the lifetime given to entries and the janitor interval
	TTL time.Duration

	// MaxEntries caps the entry count (0 = unbounded)
	MaxEntries int

	// MaxBodyBytes caps the body size of a single entry (0 = unbounded)
	MaxBodyBytes int64
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          60 * time.Second,
		MaxEntries:   1000,
		MaxBodyBytes: 1 << 20,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for rejections and evictions.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a TTL and capacity bounded response cache.
// All methods are safe for concurrent use and never block on I/O.
type Store struct {
	mu      sync.Mutex
	entries map[string]*item
	expiry  expiryHeap
	bytes   int64

	config Config
	now    func() time.Time
	logger zerolog.Logger
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Entries int
	Bytes   int64
}

// NewStore creates an empty store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*item),
		config:  cfg,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.config.TTL
}

// Get returns the live entry for key.
// An expired entry is deleted and reported as a miss.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.entries[key]
	if !ok {
		CacheMisses.Inc()
		return nil, false
	}

	if it.entry.IsExpiredAt(s.now()) {
		s.removeLocked(it)
		CacheEvictions.WithLabelValues("expired").Inc()
		CacheMisses.Inc()
		s.updateGaugesLocked()
		return nil, false
	}

	CacheHits.Inc()
	return it.entry, true
}

// Put stores entry under key for ttl, overwriting any previous entry.
// It returns false without storing when the body exceeds the size ceiling
// or ttl is not positive. Expires and CachedAt are set by the store.
func (s *Store) Put(key string, entry *Entry, ttl time.Duration) bool {
	if entry == nil {
		return false
	}

	if s.config.MaxBodyBytes > 0 && entry.Size() > s.config.MaxBodyBytes {
		CacheRejections.WithLabelValues("size").Inc()
		s.logger.Debug().
			Int64("size", entry.Size()).
			Int64("max_body_bytes", s.config.MaxBodyBytes).
			Msg("Response too large to cache")
		return false
	}

	if ttl <= 0 {
		CacheRejections.WithLabelValues("ttl").Inc()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry.CachedAt = now
	entry.Expires = now.Add(ttl)

	if it, ok := s.entries[key]; ok {
		s.bytes += entry.Size() - it.entry.Size()
		it.entry = entry
		heap.Fix(&s.expiry, it.index)
	} else {
		it := &item{key: key, entry: entry}
		s.entries[key] = it
		heap.Push(&s.expiry, it)
		s.bytes += entry.Size()
	}

	s.evictLocked()
	s.updateGaugesLocked()
	return true
}

// Delete removes key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.entries[key]; ok {
		s.removeLocked(it)
		s.updateGaugesLocked()
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for s.expiry.Len() > 0 && s.expiry[0].entry.IsExpiredAt(now) {
		s.removeLocked(s.expiry[0])
		removed++
	}
	if removed > 0 {
		CacheEvictions.WithLabelValues("expired").Add(float64(removed))
		s.updateGaugesLocked()
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("Swept expired cache entries")
			}
		}
	}
}

// Len returns the current entry count, expired entries not yet removed included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns the current entry count and byte total.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: len(s.entries), Bytes: s.bytes}
}

// evictLocked drops soonest-expiring entries until the store is within capacity.
func (s *Store) evictLocked() {
	if s.config.MaxEntries <= 0 {
		return
	}
	for len(s.entries) > s.config.MaxEntries {
		it := s.expiry[0]
		s.removeLocked(it)
		CacheEvictions.WithLabelValues("capacity").Inc()
		s.logger.Debug().
			Time("expires", it.entry.Expires).
			Int("max_entries", s.config.MaxEntries).
			Msg("Evicted cache entry")
	}
}

func (s *Store) removeLocked(it *item) {
	heap.Remove(&s.expiry, it.index)
	delete(s.entries, it.key)
	s.bytes -= it.entry.Size()
}

func (s *Store) updateGaugesLocked() {
	CacheEntries.Set(float64(len(s.entries)))
	CacheSize.Set(float64(s.bytes))
}

type item struct {
	key   string
	entry *Entry
	index int
}

// expiryHeap is a min-heap of items ordered by Expires.
type expiryHeap []*item

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].entry.Expires.Before(h[j].entry.Expires)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
