// Package coalesce merges concurrent fetches that share a key into a single
// call, built on golang.org/x/sync/singleflight.
//
// The first caller for a key owns the fetch. Callers arriving while it is in
// flight wait for the same result, success or failure, and never invoke their
// own fetch function. The registration is removed when the fetch returns, so
// a failed fetch never wedges its key.
//
// The shared fetch runs detached from the owner's cancellation: if the owner
// disconnects, the fetch still completes for the remaining waiters. A waiter
// whose context ends stops waiting and gets ctx.Err(); the fetch continues.
package coalesce

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	coalesceFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_coalesce_fetches_total",
		Help: "Total number of fetches started by the coalescing group",
	})

	coalesceSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_coalesce_shared_total",
		Help: "Total number of callers that received a result shared with another caller",
	})

	coalesceAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_coalesce_abandoned_total",
		Help: "Total number of callers that stopped waiting before the fetch settled",
	})
)

// ErrFetchPanicked is returned to every waiter when the fetch panicked.
var ErrFetchPanicked = errors.New("coalesced fetch panicked")

// FetchFunc produces the value for a key. The context it receives is not
// cancelled when individual callers go away.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent fetches by key.
// The zero value is ready to use.
type Group[T any] struct {
	sf singleflight.Group
}

// Do runs fetch for key unless a fetch for key is already in flight, in which
// case it waits for that fetch. shared reports whether the result was
// delivered to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fetch FetchFunc[T]) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (val any, err error) {
		coalesceFetchesTotal.Inc()
		// singleflight re-panics on a fresh goroutine for DoChan callers,
		// which would take the process down.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrFetchPanicked, r)
			}
		}()
		return fetch(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			coalesceSharedTotal.Inc()
		}
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		coalesceAbandonedTotal.Inc()
		return v, false, ctx.Err()
	}
}
