package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	gateConcurrency = "concurrency"
	gateRequests    = "request_rate"
	gateCost        = "cost_rate"
)

// AdmissionController lets a call through only when a concurrency slot, one
// request-rate unit and the call's cost in cost-rate units are all available.
//
// The gates are acquired in that order and each one is waited on with only its
// own lock held, so gates never wait on each other. A caller that gives up
// (context cancelled or AdmitTimeout reached) leaves no slot or unit behind.
//
// Controllers share no state; several may coexist with different configurations.
type AdmissionController struct {
	cfg      Config
	gate     domain.SlotPool
	requests domain.Bucket
	cost     domain.Bucket

	clock  clockwork.Clock
	logger zerolog.Logger
	stats  *infra.AsyncStats
}

type Option func(*options)

type options struct {
	clock      clockwork.Clock
	logger     zerolog.Logger
	stats      infra.MultiStats
	statsQueue int
}

// WithClock sets the time source of the controller and its buckets.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStats sends every admission outcome to the given stores. Events are
// written from a background goroutine; see Close.
func WithStats(stores ...domain.StatsStore) Option {
	return func(o *options) { o.stats = append(o.stats, stores...) }
}

// WithStatsQueue sets how many stats events may be pending before new ones are
// dropped. Default 1024.
func WithStatsQueue(n int) Option {
	return func(o *options) { o.statsQueue = n }
}

func New(cfg Config, opts ...Option) (*AdmissionController, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("admission config: %w", err)
	}

	o := options{
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	bucketOpts := func(name string) []infra.BucketOption {
		return []infra.BucketOption{
			infra.WithBucketName(name),
			infra.WithBucketClock(o.clock),
		}
	}

	c := &AdmissionController{
		cfg:      cfg,
		gate:     infra.NewConcurrencyGate(cfg.MaxConcurrency),
		requests: infra.NewRateBucket(cfg.RequestRateLimit, cfg.RequestRatePeriod, bucketOpts(gateRequests)...),
		cost:     infra.NewRateBucket(cfg.CostRateLimit, cfg.CostRatePeriod, bucketOpts(gateCost)...),
		clock:    o.clock,
		logger:   o.logger.With().Str("component", "admission").Logger(),
	}
	if len(o.stats) > 0 {
		c.stats = infra.NewAsyncStats(o.stats,
			infra.WithQueueSize(o.statsQueue),
			infra.WithAsyncLogger(c.logger),
		)
	}
	return c, nil
}

// Close flushes pending stats events and stops the stats writer. Admission
// keeps working afterwards; its events are dropped.
func (c *AdmissionController) Close() error {
	if c.stats == nil {
		return nil
	}
	return c.stats.Close()
}

func (c *AdmissionController) Config() Config { return c.cfg }

// Admit blocks until the call may proceed and returns its lease.
//
// A cost that can never fit the cost-rate bucket fails at once with a
// *domain.ConfigurationError and takes nothing. If ctx ends (or AdmitTimeout
// elapses) while waiting, everything acquired so far is given back and the
// context error is returned.
func (c *AdmissionController) Admit(ctx context.Context, cost float64) (*Lease, error) {
	info := CallInfoFrom(ctx)

	if err := c.cost.Validate(cost); err != nil {
		c.record(ctx, info, domain.OutcomeRejected, cost, 0)
		c.logger.Debug().Err(err).Float64("cost", cost).Msg("admission rejected")
		return nil, err
	}

	if c.cfg.AdmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AdmitTimeout)
		defer cancel()
	}

	start := c.clock.Now()

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, c.abort(ctx, info, cost, start, gateConcurrency, err)
	}

	if _, err := c.requests.WaitAndConsume(ctx, 1); err != nil {
		return nil, c.abort(ctx, info, cost, start, gateRequests, errors.Join(err, c.gate.Release()))
	}

	if _, err := c.cost.WaitAndConsume(ctx, cost); err != nil {
		c.requests.Refund(1)
		return nil, c.abort(ctx, info, cost, start, gateCost, errors.Join(err, c.gate.Release()))
	}

	now := c.clock.Now()
	lease := &Lease{
		ID:         uuid.New(),
		Cost:       cost,
		Wait:       now.Sub(start),
		AdmittedAt: now,
		info:       info,
		owner:      c,
	}

	c.record(ctx, info, domain.OutcomeAdmitted, cost, lease.Wait)
	c.logger.Debug().
		Str("lease", lease.ID.String()).
		Float64("cost", cost).
		Dur("wait", lease.Wait).
		Int64("in_flight", c.gate.InFlight()).
		Msg("admitted")
	return lease, nil
}

func (c *AdmissionController) abort(ctx context.Context, info CallInfo, cost float64, start time.Time, gate string, err error) error {
	wait := c.clock.Now().Sub(start)
	c.record(ctx, info, domain.OutcomeCancelled, cost, wait)
	c.logger.Debug().Err(err).Str("gate", gate).Float64("cost", cost).Dur("wait", wait).Msg("admission cancelled")
	return fmt.Errorf("admission: waiting on %s gate: %w", gate, err)
}

// Release returns the lease's concurrency slot. Rate-bucket units are not
// refunded: they paid for the attempt, whatever its outcome.
func (c *AdmissionController) Release(l *Lease) error {
	if l == nil {
		return domain.ErrNilLease
	}
	if l.owner != c {
		return domain.ErrForeignLease
	}
	if !l.released.CompareAndSwap(false, true) {
		return domain.ErrLeaseReleased
	}
	if err := c.gate.Release(); err != nil {
		return err
	}

	c.record(context.Background(), l.info, domain.OutcomeReleased, l.Cost, 0)
	c.logger.Debug().Str("lease", l.ID.String()).Msg("released")
	return nil
}

// Refund returns the lease's request unit and cost to the rate buckets when
// the controller was configured with RefundOnError; otherwise it does nothing.
// A lease can be refunded at most once, before or after Release.
func (c *AdmissionController) Refund(l *Lease) error {
	if l == nil {
		return domain.ErrNilLease
	}
	if l.owner != c {
		return domain.ErrForeignLease
	}
	if !c.cfg.RefundOnError {
		return nil
	}
	if !l.refunded.CompareAndSwap(false, true) {
		return domain.ErrLeaseRefunded
	}
	c.requests.Refund(1)
	c.cost.Refund(l.Cost)
	c.logger.Debug().Str("lease", l.ID.String()).Float64("cost", l.Cost).Msg("refunded")
	return nil
}

// Do runs fn between Admit and Release. The lease is released on every exit
// path, including a panic in fn.
func (c *AdmissionController) Do(ctx context.Context, cost float64, fn func(ctx context.Context) error) (err error) {
	lease, err := c.Admit(ctx, cost)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := c.Release(lease); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn(ctx)
}

// TimeUntilAdmissible estimates how long a call of the given cost would wait
// on the rate buckets right now. It ignores the concurrency gate.
func (c *AdmissionController) TimeUntilAdmissible(cost float64) time.Duration {
	return max(c.requests.TimeUntilAvailable(1), c.cost.TimeUntilAvailable(cost))
}

func (c *AdmissionController) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		InFlight:          c.gate.InFlight(),
		MaxConcurrency:    c.gate.Limit(),
		RequestsAvailable: c.requests.Available(),
		RequestsCapacity:  c.requests.Capacity(),
		RequestWaiters:    c.requests.Waiting(),
		CostAvailable:     c.cost.Available(),
		CostCapacity:      c.cost.Capacity(),
		CostWaiters:       c.cost.Waiting(),
	}
}

func (c *AdmissionController) record(ctx context.Context, info CallInfo, outcome domain.Outcome, cost float64, wait time.Duration) {
	if c.stats == nil {
		return
	}
	err := c.stats.Record(ctx, domain.StatsEvent{
		Key:     info.Key,
		Outcome: outcome,
		Cost:    cost,
		Wait:    wait,
		Method:  info.Method,
		Path:    info.Path,
		At:      c.clock.Now(),
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("outcome", string(outcome)).Msg("stats event dropped")
	}
}
