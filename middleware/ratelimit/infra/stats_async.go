package infra

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/rs/zerolog"
)

var _ domain.StatsStore = (*AsyncStats)(nil)

// AsyncStats hands events to a single background goroutine that writes them to
// the wrapped store. Record never blocks: when the queue is full the event is
// dropped and counted.
type AsyncStats struct {
	next          domain.StatsStore
	queue         chan domain.StatsEvent
	recordTimeout time.Duration
	logger        zerolog.Logger

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	done    chan struct{}
}

type AsyncOption func(*AsyncStats)

// WithQueueSize sets how many events may wait for the writer. Default 1024.
func WithQueueSize(n int) AsyncOption {
	return func(a *AsyncStats) {
		if n > 0 {
			a.queue = make(chan domain.StatsEvent, n)
		}
	}
}

// WithRecordTimeout bounds each write to the wrapped store. Default 2s; 0 disables.
func WithRecordTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncStats) { a.recordTimeout = d }
}

func WithAsyncLogger(l zerolog.Logger) AsyncOption {
	return func(a *AsyncStats) { a.logger = l }
}

// NewAsyncStats starts the writer goroutine. Call Close to stop it.
func NewAsyncStats(next domain.StatsStore, opts ...AsyncOption) *AsyncStats {
	a := &AsyncStats{
		next:          next,
		queue:         make(chan domain.StatsEvent, 1024),
		recordTimeout: 2 * time.Second,
		logger:        zerolog.Nop(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Record queues ev. ctx is not used: the write happens after the caller has moved on.
func (a *AsyncStats) Record(_ context.Context, ev domain.StatsEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return domain.ErrStatsDropped
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return domain.ErrStatsDropped
	}
}

// Dropped returns the number of events that never reached the wrapped store.
func (a *AsyncStats) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits until the queued ones are written.
func (a *AsyncStats) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	<-a.done
	return nil
}

func (a *AsyncStats) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.write(ev)
	}
}

func (a *AsyncStats) write(ev domain.StatsEvent) {
	ctx := context.Background()
	if a.recordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.recordTimeout)
		defer cancel()
	}
	if err := a.next.Record(ctx, ev); err != nil {
		a.logger.Warn().Err(err).Str("outcome", string(ev.Outcome)).Msg("stats record failed")
	}
}
