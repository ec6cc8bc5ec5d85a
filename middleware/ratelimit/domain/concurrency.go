package domain

import "context"

// SlotPool is a resource with a finite number of slots (e.g. in-flight calls).
//
// Acquire blocks until a slot is free or ctx ends. A successful Acquire must be
// matched by exactly one Release. When ctx ends first, the pool is left unchanged.
type SlotPool interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
	Release() error
	InFlight() int64
	// Limit returns 0 for an unlimited pool.
	Limit() int64
}
