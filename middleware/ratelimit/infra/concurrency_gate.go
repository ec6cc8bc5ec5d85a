package infra

import (
	"context"
	"sync/atomic"

	"admission-gateway/middleware/ratelimit/domain"

	"golang.org/x/sync/semaphore"
)

var _ domain.SlotPool = (*ConcurrencyGate)(nil)

// ConcurrencyGate bounds the number of in-flight calls.
//
// Waiters are admitted in arrival order (x/sync/semaphore keeps a FIFO queue), so
// a steady stream of newcomers cannot starve an older waiter. An unlimited gate
// never blocks and only counts in-flight calls for observability.
type ConcurrencyGate struct {
	max      int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewConcurrencyGate creates a gate admitting at most max concurrent holders.
// max <= 0 means unlimited.
func NewConcurrencyGate(max int) *ConcurrencyGate {
	g := &ConcurrencyGate{}
	if max > 0 {
		g.max = int64(max)
		g.sem = semaphore.NewWeighted(g.max)
	}
	return g
}

func (g *ConcurrencyGate) Unlimited() bool { return g.sem == nil }

func (g *ConcurrencyGate) Limit() int64 { return g.max }

func (g *ConcurrencyGate) InFlight() int64 { return g.inFlight.Load() }

// Acquire blocks until a slot is free. If ctx ends first the gate is unchanged.
func (g *ConcurrencyGate) Acquire(ctx context.Context) error {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	g.inFlight.Add(1)
	return nil
}

// TryAcquire takes a slot only if one is free and nobody is queued.
func (g *ConcurrencyGate) TryAcquire() bool {
	if g.sem != nil && !g.sem.TryAcquire(1) {
		return false
	}
	g.inFlight.Add(1)
	return true
}

// Release frees one slot. Releasing more than was acquired returns
// domain.ErrReleaseWithoutAcquire and leaves the counter at its floor.
func (g *ConcurrencyGate) Release() error {
	for {
		cur := g.inFlight.Load()
		if cur <= 0 {
			return domain.ErrReleaseWithoutAcquire
		}
		if g.inFlight.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	// The counter drops before the slot is handed on, so InFlight never
	// overshoots the limit.
	if g.sem != nil {
		g.sem.Release(1)
	}
	return nil
}
