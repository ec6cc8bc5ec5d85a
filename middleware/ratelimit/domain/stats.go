package domain

import (
	"context"
	"time"
)

// Outcome classifies a stats event.
type Outcome string

const (
	// OutcomeAdmitted: the caller passed every gate.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomeRejected: the request can never be admitted (configuration error),
	// or a front-door limiter denied it.
	OutcomeRejected Outcome = "rejected"
	// OutcomeCancelled: the caller's context ended while waiting on a gate.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeReleased: a lease was returned.
	OutcomeReleased Outcome = "released"
)

// StatsEvent records one admission decision or release.
//
// It is transport-agnostic: Method/Path are plain strings usable for HTTP, gRPC
// or in-process calls. Watch the cardinality of Key and Path before sending them
// to Redis or Prometheus.
type StatsEvent struct {
	Key     Key
	Outcome Outcome

	// Cost is the number of cost units charged (or requested, when rejected).
	Cost float64
	// Wait is the time spent suspended on the gates.
	Wait time.Duration

	Method string
	Path   string

	At time.Time
}

// StatsStore persists stats events.
//
// Recording is best-effort: callers must not fail a request because a store failed.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// Snapshot is a point-in-time view of an admission controller's gates.
// Unlimited capacities are reported as +Inf (and a MaxConcurrency of 0).
type Snapshot struct {
	InFlight       int64
	MaxConcurrency int64

	RequestsAvailable float64
	RequestsCapacity  float64
	RequestWaiters    int64

	CostAvailable float64
	CostCapacity  float64
	CostWaiters   int64
}
