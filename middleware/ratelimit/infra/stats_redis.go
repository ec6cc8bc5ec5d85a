package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore writes stats counters to Redis hashes.
//
// Layout (prefix defaults to "admission:stats"):
//
//	<prefix>:total                 outcome counters, cost and wait_ms sums; never expires
//	<prefix>:minute:200601021504   same fields per minute, expires after ttl
//	<prefix>:route                 "<method> <path>:<outcome>" counters
//	<prefix>:key:<key>             per-client counters when trackKeys is set
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl applies to the per-minute and per-key hashes only.
	ttl time.Duration

	bucket string // "minute" (default) or "none"

	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)

	pipe := s.rdb.Pipeline()
	incr := func(key string) {
		pipe.HIncrBy(ctx, key, field, 1)
		if ev.Outcome == domain.OutcomeAdmitted {
			pipe.HIncrByFloat(ctx, key, "cost", ev.Cost)
			pipe.HIncrBy(ctx, key, "wait_ms", ev.Wait.Milliseconds())
		}
	}

	incr(s.prefix + ":total")

	if s.bucket == "minute" {
		bucketKey := s.minuteKey(at)
		incr(bucketKey)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	routeField := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
	if routeField != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", routeField+":"+field, 1)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(string(ev.Key)); k != "" {
			keyKey := s.prefix + ":key:" + k
			incr(keyKey)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
