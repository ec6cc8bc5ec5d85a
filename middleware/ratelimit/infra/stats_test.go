package infra

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStatsStore_Counts(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	events := []domain.StatsEvent{
		{Key: "a", Outcome: domain.OutcomeAdmitted, Cost: 10, Wait: time.Second, Method: "POST", Path: "/v1/chat"},
		{Key: "a", Outcome: domain.OutcomeReleased, Cost: 10, Method: "POST", Path: "/v1/chat"},
		{Key: "b", Outcome: domain.OutcomeAdmitted, Cost: 5, Method: "POST", Path: "/v1/chat"},
		{Key: "b", Outcome: domain.OutcomeRejected, Cost: 1e6},
		{Key: "c", Outcome: domain.OutcomeCancelled},
	}
	for _, ev := range events {
		require.NoError(t, s.Record(ctx, ev))
	}

	total := s.Total()
	assert.Equal(t, int64(2), total.Admitted)
	assert.Equal(t, int64(1), total.Released)
	assert.Equal(t, int64(1), total.Rejected)
	assert.Equal(t, int64(1), total.Cancelled)
	assert.Equal(t, 15.0, total.Cost, "rejected cost is not charged")
	assert.Equal(t, time.Second, total.Wait)
	assert.Equal(t, int64(1), total.Outstanding())

	assert.Equal(t, int64(2), s.ByRoute()["POST /v1/chat"].Admitted)
	assert.Equal(t, int64(1), s.ByKey()["b"].Rejected)
}

func TestMemoryStatsStore_KeysNotTrackedByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Key: "a", Outcome: domain.OutcomeAdmitted}))
	assert.Empty(t, s.ByKey())
}

func TestPrometheusStats_RecordAndWatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusStats(reg, "test")

	require.NoError(t, p.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeAdmitted, Cost: 42, Wait: 250 * time.Millisecond}))
	require.NoError(t, p.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeCancelled}))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Events.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Events.WithLabelValues("cancelled")))
	assert.Equal(t, 42.0, testutil.ToFloat64(p.CostUnits))

	p.Watch(func() domain.Snapshot {
		return domain.Snapshot{InFlight: 3, MaxConcurrency: 8, RequestsAvailable: 7, CostAvailable: 100}
	})
	n, err := testutil.GatherAndCount(reg, "test_admission_in_flight", "test_admission_cost_units_available")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingStats struct{ err error }

func (f failingStats) Record(context.Context, domain.StatsEvent) error { return f.err }

func TestMultiStats_FansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemoryStatsStore()
	boom := errors.New("boom")
	m := MultiStats{mem, nil, failingStats{err: boom}}

	err := m.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeAdmitted})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), mem.Total().Admitted)
}

func TestRedisStatsStore_MinuteKey(t *testing.T) {
	s := NewRedisStatsStore(nil, WithStatsPrefix("gw:stats:"))
	at := time.Date(2026, 3, 4, 5, 6, 59, 0, time.UTC)
	assert.Equal(t, "gw:stats:minute:202603040506", s.minuteKey(at))
	assert.NoError(t, s.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeAdmitted}))
}

func TestRedisStatsStore_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStatsStore(rdb, WithStatsPrefix("gw"), WithStatsTTL(time.Hour), WithStatsTrackKeys(true))
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.StatsEvent{
		Key: "client-1", Outcome: domain.OutcomeAdmitted, Cost: 12.5, Wait: 1500 * time.Millisecond,
		Method: "POST", Path: "/v1/chat", At: at,
	}))
	require.NoError(t, s.Record(ctx, domain.StatsEvent{
		Key: "client-1", Outcome: domain.OutcomeRejected, Cost: 1e6,
		Method: "POST", Path: "/v1/chat", At: at,
	}))

	assert.Equal(t, "1", mr.HGet("gw:total", "admitted"))
	assert.Equal(t, "1", mr.HGet("gw:total", "rejected"))
	assert.Equal(t, "12.5", mr.HGet("gw:total", "cost"), "rejected cost is not charged")
	assert.Equal(t, "1500", mr.HGet("gw:total", "wait_ms"))
	assert.Zero(t, mr.TTL("gw:total"))

	minute := "gw:minute:202603040506"
	assert.Equal(t, "1", mr.HGet(minute, "admitted"))
	assert.Equal(t, "1", mr.HGet(minute, "rejected"))
	assert.Equal(t, time.Hour, mr.TTL(minute))

	assert.Equal(t, "1", mr.HGet("gw:route", "POST /v1/chat:admitted"))
	assert.Equal(t, "1", mr.HGet("gw:route", "POST /v1/chat:rejected"))

	assert.Equal(t, "1", mr.HGet("gw:key:client-1", "admitted"))
	assert.Equal(t, time.Hour, mr.TTL("gw:key:client-1"))
}

func TestRedisStatsStore_NoBucketNoKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStatsStore(rdb, WithStatsBucket("none"))
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Key: "k", Outcome: domain.OutcomeCancelled}))

	assert.Equal(t, "1", mr.HGet("admission:stats:total", "cancelled"))
	assert.Equal(t, []string{"admission:stats:total"}, mr.Keys())
}

func TestRedisStatsStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	err := NewRedisStatsStore(rdb).Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeAdmitted})
	assert.Error(t, err)
}

func TestAsyncStats_DeliversInOrderAndFlushesOnClose(t *testing.T) {
	mem := NewMemoryStatsStore()
	a := NewAsyncStats(mem)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeAdmitted, Cost: 1}))
	}
	require.NoError(t, a.Close())

	assert.Equal(t, int64(50), mem.Total().Admitted)
	assert.Zero(t, a.Dropped())
	assert.ErrorIs(t, a.Record(context.Background(), domain.StatsEvent{}), domain.ErrStatsDropped)
	assert.NoError(t, a.Close(), "Close is idempotent")
}

type gatedStats struct {
	entered chan struct{}
	release chan struct{}
	next    domain.StatsStore
}

func (g *gatedStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	g.entered <- struct{}{}
	<-g.release
	return g.next.Record(ctx, ev)
}

func TestAsyncStats_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	mem := NewMemoryStatsStore()
	gate := &gatedStats{entered: make(chan struct{}, 8), release: make(chan struct{}), next: mem}
	a := NewAsyncStats(gate, WithQueueSize(1), WithRecordTimeout(0))

	ev := domain.StatsEvent{Outcome: domain.OutcomeAdmitted}
	require.NoError(t, a.Record(context.Background(), ev))
	<-gate.entered // the writer holds the first event

	require.NoError(t, a.Record(context.Background(), ev), "one event fits in the queue")
	assert.ErrorIs(t, a.Record(context.Background(), ev), domain.ErrStatsDropped)
	assert.Equal(t, int64(1), a.Dropped())

	close(gate.release)
	require.NoError(t, a.Close())
	assert.Equal(t, int64(2), mem.Total().Admitted)
}

func TestAsyncStats_WriteErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	a := NewAsyncStats(failingStats{err: errors.New("boom")}, WithAsyncLogger(zerolog.New(&buf)))

	require.NoError(t, a.Record(context.Background(), domain.StatsEvent{Outcome: domain.OutcomeReleased}))
	require.NoError(t, a.Close())
	assert.Contains(t, buf.String(), "stats record failed")
	assert.Contains(t, buf.String(), "boom")
}
