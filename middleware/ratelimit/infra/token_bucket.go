package infra

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// epsilon absorbs float rounding in the refill arithmetic, so a waiter that
// slept exactly the computed duration is never sent back to sleep for 1ns.
const epsilon = 1e-9

var _ domain.Bucket = (*TokenBucket)(nil)

// TokenBucket is a lazily refilled token bucket with a blocking, FIFO
// WaitAndConsume.
//
// There is no background timer: every operation first catches the bucket up to
// the clock's current time. Waiters queue on a weighted semaphore of size one,
// which serves them in arrival order; only the head of the queue sleeps on the
// clock, so two waiters can never be granted the same refill.
type TokenBucket struct {
	name     string
	capacity float64
	rate     float64
	clock    clockwork.Clock

	turn    *semaphore.Weighted
	waiting atomic.Int64

	mu         sync.Mutex
	available  float64
	lastRefill time.Time
	// refunded is closed and replaced on every Refund.
	refunded chan struct{}
}

type BucketOption func(*TokenBucket)

func WithBucketClock(c clockwork.Clock) BucketOption {
	return func(b *TokenBucket) { b.clock = c }
}

// WithBucketName sets the gate name reported in configuration errors.
func WithBucketName(name string) BucketOption {
	return func(b *TokenBucket) { b.name = name }
}

// NewTokenBucket creates a full bucket holding at most capacity units and
// refilling at refillPerSecond. A capacity of +Inf disables the bucket.
func NewTokenBucket(capacity, refillPerSecond float64, opts ...BucketOption) *TokenBucket {
	b := &TokenBucket{
		name:     "bucket",
		capacity: capacity,
		rate:     refillPerSecond,
		clock:    clockwork.NewRealClock(),
		turn:     semaphore.NewWeighted(1),
		refunded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if !b.Unlimited() {
		b.available = capacity
	}
	b.lastRefill = b.clock.Now()
	return b
}

// NewRateBucket allows limit units per period with a burst of limit.
// A non-positive limit or period yields an unlimited bucket.
func NewRateBucket(limit float64, period time.Duration, opts ...BucketOption) *TokenBucket {
	if limit <= 0 || period <= 0 {
		return NewUnlimitedBucket(opts...)
	}
	return NewTokenBucket(limit, limit/period.Seconds(), opts...)
}

func NewUnlimitedBucket(opts ...BucketOption) *TokenBucket {
	return NewTokenBucket(math.Inf(1), 0, opts...)
}

func (b *TokenBucket) Unlimited() bool { return math.IsInf(b.capacity, 1) }

func (b *TokenBucket) Capacity() float64 { return b.capacity }

// Rate returns the refill rate in units per second.
func (b *TokenBucket) Rate() float64 { return b.rate }

// Waiting returns the number of goroutines inside WaitAndConsume, the one
// sleeping at the head of the queue included.
func (b *TokenBucket) Waiting() int64 { return b.waiting.Load() }

func (b *TokenBucket) Available() float64 {
	if b.Unlimited() {
		return math.Inf(1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available
}

// Validate reports whether units can ever be granted by this bucket.
func (b *TokenBucket) Validate(units float64) error {
	if math.IsNaN(units) || units < 0 {
		return &domain.ConfigurationError{Gate: b.name, Requested: units, Capacity: b.capacity, Reason: "units must be a non-negative number"}
	}
	if !b.Unlimited() && units > b.capacity {
		return &domain.ConfigurationError{Gate: b.name, Requested: units, Capacity: b.capacity}
	}
	return nil
}

// TryConsume takes units if they are available right now. It fails while other
// goroutines are queued, so it never overtakes a waiter.
func (b *TokenBucket) TryConsume(units float64) bool {
	if units == 0 || b.Unlimited() {
		return true
	}
	if b.Validate(units) != nil {
		return false
	}
	if !b.turn.TryAcquire(1) {
		return false
	}
	defer b.turn.Release(1)

	_, _, ok := b.consumeOrDelay(units)
	return ok
}

// WaitAndConsume blocks until units can be taken, takes them and returns the
// time spent waiting. If ctx ends first, nothing is consumed and ctx.Err() is
// returned. Requests larger than the capacity fail with a ConfigurationError
// before any wait.
func (b *TokenBucket) WaitAndConsume(ctx context.Context, units float64) (time.Duration, error) {
	if err := b.Validate(units); err != nil {
		return 0, err
	}
	if units == 0 || b.Unlimited() {
		return 0, nil
	}

	start := b.clock.Now()
	b.waiting.Add(1)
	defer b.waiting.Add(-1)
	if err := b.turn.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer b.turn.Release(1)

	for {
		delay, wake, ok := b.consumeOrDelay(units)
		if ok {
			return b.clock.Now().Sub(start), nil
		}

		timer := b.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return b.clock.Now().Sub(start), ctx.Err()
		}
	}
}

func (b *TokenBucket) TimeUntilAvailable(units float64) time.Duration {
	if b.Unlimited() || units <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.delayLocked(units)
}

// Refund returns units to the bucket, never above capacity.
func (b *TokenBucket) Refund(units float64) {
	if b.Unlimited() || units <= 0 || math.IsNaN(units) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.available = math.Min(b.capacity, b.available+units)
	close(b.refunded)
	b.refunded = make(chan struct{})
}

// consumeOrDelay takes units or reports how long to sleep for them, along with
// the channel that a Refund closes in the meantime.
func (b *TokenBucket) consumeOrDelay(units float64) (time.Duration, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available+epsilon >= units {
		b.available = math.Max(0, b.available-units)
		return 0, nil, true
	}
	return b.delayLocked(units), b.refunded, false
}

// delayLocked rounds up so that sleeping the returned duration always refills
// at least the missing units.
func (b *TokenBucket) delayLocked(units float64) time.Duration {
	missing := units - b.available
	if missing <= 0 {
		return 0
	}
	if b.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	ns := math.Ceil(missing / b.rate * float64(time.Second))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return max(time.Duration(ns), 1)
}

// refillLocked catches the bucket up to now. Caller must hold b.mu.
func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.available = math.Min(b.capacity, b.available+elapsed.Seconds()*b.rate)
	b.lastRefill = now
}
