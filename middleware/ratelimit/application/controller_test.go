package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

func newFakeClock() fakeClock { return clockwork.NewFakeClockAt(epoch) }

// autoClock fires every timer as soon as it is created and remembers how long
// it was asked to wait in total.
type autoClock struct {
	fakeClock
	slept atomic.Int64
}

func newAutoClock() *autoClock { return &autoClock{fakeClock: newFakeClock()} }

func (c *autoClock) NewTimer(d time.Duration) clockwork.Timer {
	t := c.fakeClock.NewTimer(d)
	c.slept.Add(int64(d))
	c.fakeClock.Advance(d)
	return t
}

func (c *autoClock) Slept() time.Duration { return time.Duration(c.slept.Load()) }

// waitForTimers blocks until n timers are pending on clk.
func waitForTimers(t *testing.T, clk fakeClock, n int) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clk.BlockUntil(n)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d timers", n)
	}
}

func newController(t *testing.T, cfg Config, opts ...Option) *AdmissionController {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestController_ConcurrencyBound(t *testing.T) {
	c := newController(t, Config{MaxConcurrency: 4})

	var outstanding, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), 1, func(context.Context) error {
				n := outstanding.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				outstanding.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Zero(t, c.Snapshot().InFlight)
}

func TestController_RequestRateBound(t *testing.T) {
	clk := newAutoClock()
	c := newController(t, Config{RequestRateLimit: 5, RequestRatePeriod: time.Second}, WithClock(clk))

	var admitted []time.Time
	for i := 0; i < 30; i++ {
		lease, err := c.Admit(context.Background(), 0)
		require.NoError(t, err)
		admitted = append(admitted, lease.AdmittedAt)
		require.NoError(t, c.Release(lease))
	}

	// Any one-period window sees at most the burst plus one period of refill.
	for i, start := range admitted {
		n := 0
		for _, at := range admitted[i:] {
			if at.Sub(start) < time.Second {
				n++
			}
		}
		assert.LessOrEqual(t, n, 10, "window starting at call %d", i)
	}
	// 25 calls beyond the burst at 5/s take 5s.
	assert.GreaterOrEqual(t, admitted[len(admitted)-1].Sub(epoch), 5*time.Second-time.Millisecond)
}

func TestController_CostRateBound(t *testing.T) {
	clk := newAutoClock()
	c := newController(t, Config{CostRateLimit: 100, CostRatePeriod: time.Second}, WithClock(clk))

	var total float64
	for i := 0; i < 10; i++ {
		lease, err := c.Admit(context.Background(), 60)
		require.NoError(t, err)
		total += lease.Cost
		require.NoError(t, c.Release(lease))
	}

	// 600 units against a burst of 100 at 100/s need at least 5s.
	elapsed := clk.Now().Sub(epoch)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second-time.Millisecond)
	assert.LessOrEqual(t, total, 100+100*elapsed.Seconds()+1e-6)
	assert.GreaterOrEqual(t, c.Snapshot().CostAvailable, 0.0)
}

func TestController_BurstThenDrain(t *testing.T) {
	clk := newAutoClock()
	c := newController(t, Config{RequestRateLimit: 10, RequestRatePeriod: 10 * time.Second}, WithClock(clk))

	for i := 0; i < 10; i++ {
		lease, err := c.Admit(context.Background(), 1)
		require.NoError(t, err)
		assert.Zero(t, lease.Wait)
		require.NoError(t, c.Release(lease))
	}

	lease, err := c.Admit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, time.Second, lease.Wait)
	assert.InDelta(t, 0, c.Snapshot().RequestsAvailable, 1e-9)
}

func TestController_AllGatesDisabled(t *testing.T) {
	clk := newAutoClock()
	c := newController(t, Config{}, WithClock(clk))

	for _, cost := range []float64{0, 1, 1e9} {
		lease, err := c.Admit(context.Background(), cost)
		require.NoError(t, err)
		assert.Zero(t, lease.Wait)
		assert.Zero(t, c.TimeUntilAdmissible(cost))
		require.NoError(t, c.Release(lease))
	}
	assert.Zero(t, clk.Slept())

	snap := c.Snapshot()
	assert.Zero(t, snap.MaxConcurrency)
	assert.True(t, snap.CostCapacity > 1e300)
}

func TestController_UnsatisfiableCostRejectedWithoutMutation(t *testing.T) {
	clk := newAutoClock()
	mem := infra.NewMemoryStatsStore()
	c := newController(t, Config{MaxConcurrency: 1, CostRateLimit: 100}, WithClock(clk), WithStats(mem))

	// The only slot is taken, so a rejection that queued for it would time out instead.
	held, err := c.Admit(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := c.Admit(ctx, 101)
	require.Nil(t, lease)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.NotErrorIs(t, err, context.DeadlineExceeded)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cost_rate", cfgErr.Gate)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.InFlight, "only the held lease owns a slot")
	assert.Equal(t, 100.0, snap.CostAvailable)
	assert.Zero(t, snap.CostWaiters)
	assert.Zero(t, clk.Slept())

	_, err = c.Admit(ctx, -1)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	require.NoError(t, c.Release(held))
	require.NoError(t, c.Close())
	assert.Equal(t, int64(2), mem.Total().Rejected)
}

func TestController_ReleaseUnblocksWaiter(t *testing.T) {
	c := newController(t, Config{MaxConcurrency: 1})

	a, err := c.Admit(context.Background(), 0)
	require.NoError(t, err)

	admitted := make(chan *Lease, 1)
	go func() {
		b, err := c.Admit(context.Background(), 0)
		assert.NoError(t, err)
		admitted <- b
	}()

	select {
	case <-admitted:
		t.Fatalf("expected B to block while A holds the slot")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Release(a))
	select {
	case b := <-admitted:
		require.NoError(t, c.Release(b))
	case <-time.After(time.Second):
		t.Fatalf("expected B to be admitted after A released")
	}
}

func TestController_CancelWhileWaitingOnRateReleasesSlot(t *testing.T) {
	clk := newFakeClock()
	mem := infra.NewMemoryStatsStore()
	c := newController(t, Config{MaxConcurrency: 2, RequestRateLimit: 1, RequestRatePeriod: time.Second}, WithClock(clk), WithStats(mem))

	first, err := c.Admit(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(first))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctx, 0)
		done <- err
	}()

	waitForTimers(t, clk, 1)
	assert.Equal(t, int64(1), c.Snapshot().InFlight, "slot is held while waiting on the rate gate")

	cancel()
	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Snapshot().InFlight)

	clk.Advance(time.Second)
	assert.Equal(t, 1.0, c.Snapshot().RequestsAvailable)

	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), mem.Total().Cancelled)
}

func TestController_CancelWhileWaitingOnCostReturnsRequestUnit(t *testing.T) {
	clk := newFakeClock()
	c := newController(t, Config{
		RequestRateLimit: 10, RequestRatePeriod: time.Second,
		CostRateLimit: 10, CostRatePeriod: time.Second,
	}, WithClock(clk))

	lease, err := c.Admit(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, c.Release(lease))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctx, 5)
		done <- err
	}()
	waitForTimers(t, clk, 1)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	snap := c.Snapshot()
	assert.Equal(t, 9.0, snap.RequestsAvailable, "only the admitted call's request unit stays spent")
	assert.Zero(t, snap.InFlight)
}

func TestController_ReturnedRequestUnitWakesNextWaiter(t *testing.T) {
	clk := newFakeClock()
	c := newController(t, Config{
		RequestRateLimit: 2, RequestRatePeriod: time.Minute,
		CostRateLimit: 10, CostRatePeriod: time.Minute,
	}, WithClock(clk))

	first, err := c.Admit(context.Background(), 10)
	require.NoError(t, err)

	// A takes the last request unit and sleeps on the empty cost bucket.
	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctxA, 5)
		doneA <- err
	}()
	waitForTimers(t, clk, 1)

	// B sleeps on the empty request bucket, tens of seconds from a refill.
	doneB := make(chan *Lease, 1)
	go func() {
		lease, err := c.Admit(context.Background(), 0)
		assert.NoError(t, err)
		doneB <- lease
	}()
	waitForTimers(t, clk, 2)

	cancelA()
	require.ErrorIs(t, <-doneA, context.Canceled)

	select {
	case lease := <-doneB:
		require.NotNil(t, lease)
		assert.Zero(t, lease.Wait, "admitted on the returned unit, not on a refill")
		require.NoError(t, c.Release(lease))
	case <-time.After(2 * time.Second):
		t.Fatal("B kept sleeping after A returned its request unit")
	}
	require.NoError(t, c.Release(first))
}

func TestController_AdmitTimeoutIsCancellation(t *testing.T) {
	c := newController(t, Config{MaxConcurrency: 1, AdmitTimeout: 20 * time.Millisecond})

	held, err := c.Admit(context.Background(), 0)
	require.NoError(t, err)

	_, err = c.Admit(context.Background(), 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), c.Snapshot().InFlight)

	require.NoError(t, c.Release(held))
}

func TestController_ReleaseMisuse(t *testing.T) {
	c := newController(t, Config{MaxConcurrency: 1})
	other := newController(t, Config{MaxConcurrency: 1})

	assert.ErrorIs(t, c.Release(nil), domain.ErrNilLease)

	lease, err := c.Admit(context.Background(), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, other.Release(lease), domain.ErrForeignLease)
	require.NoError(t, c.Release(lease))
	assert.True(t, lease.Released())

	err = c.Release(lease)
	assert.ErrorIs(t, err, domain.ErrLeaseReleased)
	assert.ErrorIs(t, err, domain.ErrProgramming)
	assert.Zero(t, c.Snapshot().InFlight)
}

func TestController_RefundOnlyWhenEnabled(t *testing.T) {
	clk := newFakeClock()
	cfg := Config{RequestRateLimit: 2, RequestRatePeriod: time.Minute, CostRateLimit: 100, CostRatePeriod: time.Minute}

	keep := newController(t, cfg, WithClock(clk))
	lease, err := keep.Admit(context.Background(), 40)
	require.NoError(t, err)
	require.NoError(t, keep.Refund(lease))
	assert.Equal(t, 60.0, keep.Snapshot().CostAvailable)

	cfg.RefundOnError = true
	refund := newController(t, cfg, WithClock(clk))
	lease, err = refund.Admit(context.Background(), 40)
	require.NoError(t, err)
	require.NoError(t, refund.Release(lease))
	require.NoError(t, refund.Refund(lease))

	snap := refund.Snapshot()
	assert.Equal(t, 100.0, snap.CostAvailable)
	assert.Equal(t, 2.0, snap.RequestsAvailable)
	assert.ErrorIs(t, refund.Refund(lease), domain.ErrLeaseRefunded)
}

func TestController_DoReleasesOnErrorAndPanic(t *testing.T) {
	c := newController(t, Config{MaxConcurrency: 1})
	boom := errors.New("boom")

	err := c.Do(context.Background(), 0, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Snapshot().InFlight)

	assert.Panics(t, func() {
		_ = c.Do(context.Background(), 0, func(context.Context) error { panic("backend exploded") })
	})
	assert.Zero(t, c.Snapshot().InFlight)
}

func TestController_InstancesAreIndependent(t *testing.T) {
	a := newController(t, Config{MaxConcurrency: 1})
	b := newController(t, Config{MaxConcurrency: 1})

	la, err := a.Admit(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lb, err := b.Admit(ctx, 0)
	require.NoError(t, err, "a full controller must not block another one")

	require.NoError(t, a.Release(la))
	require.NoError(t, b.Release(lb))
}

func TestController_StatsCarryCallInfo(t *testing.T) {
	mem := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	c := newController(t, Config{}, WithStats(mem))

	ctx := WithCallInfo(context.Background(), CallInfo{Key: "client-1", Method: "POST", Path: "/v1/complete"})
	lease, err := c.Admit(ctx, 12)
	require.NoError(t, err)
	require.NoError(t, c.Release(lease))
	require.NoError(t, c.Close())

	byKey := mem.ByKey()["client-1"]
	assert.Equal(t, int64(1), byKey.Admitted)
	assert.Equal(t, int64(1), byKey.Released)
	assert.Equal(t, 12.0, byKey.Cost)
	assert.Equal(t, int64(1), mem.ByRoute()["POST /v1/complete"].Admitted)
}

// blockingStats holds every Record until release is closed.
type blockingStats struct {
	entered chan struct{}
	release chan struct{}
	mem     *infra.MemoryStatsStore
}

func newBlockingStats() *blockingStats {
	return &blockingStats{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
		mem:     infra.NewMemoryStatsStore(),
	}
}

func (b *blockingStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.mem.Record(ctx, ev)
}

func TestController_SlowStatsStoreDoesNotDelayAdmission(t *testing.T) {
	store := newBlockingStats()
	c := newController(t, Config{MaxConcurrency: 1, CostRateLimit: 10}, WithStats(store))

	_, err := c.Admit(context.Background(), 11)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	<-store.entered

	// The writer is stuck on the rejection; admission must not queue behind it.
	start := time.Now()
	lease, err := c.Admit(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, c.Release(lease))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(store.release)
	require.NoError(t, c.Close())
	total := store.mem.Total()
	assert.Equal(t, int64(1), total.Rejected)
	assert.Equal(t, int64(1), total.Admitted)
	assert.Equal(t, int64(1), total.Released)
}

func TestController_CloseWithoutStats(t *testing.T) {
	c := newController(t, Config{})
	assert.NoError(t, c.Close())
}
