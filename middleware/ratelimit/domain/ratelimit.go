package domain

import (
	"context"
	"time"
)

// Key identifies a client for per-client accounting (IP, API key, user).
type Key string

// Limiter decides whether an action may proceed right now, without waiting.
type Limiter interface {
	Allow() bool
}

// Delayer is implemented by limiters that can tell when they will next allow.
type Delayer interface {
	Delay() time.Duration
}

// LimiterStore returns the limiter for a key. Implementations may cache and expire entries.
type LimiterStore interface {
	Get(Key) Limiter
}

// Decision is the outcome of a non-blocking limiter check.
type Decision struct {
	Allowed bool
	// RetryAfter is the value to send in Retry-After when blocked. 0 means no hint.
	RetryAfter time.Duration
}

// Bucket is a single-resource rate limiter measured in units.
//
// WaitAndConsume serves concurrent callers in arrival order. A caller whose ctx
// ends while queued or sleeping consumes nothing.
type Bucket interface {
	TryConsume(units float64) bool
	WaitAndConsume(ctx context.Context, units float64) (time.Duration, error)
	TimeUntilAvailable(units float64) time.Duration
	Validate(units float64) error
	Refund(units float64)
	Available() float64
	Capacity() float64
	Unlimited() bool
	Waiting() int64
}
