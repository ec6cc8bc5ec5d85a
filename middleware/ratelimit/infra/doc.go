// Package infra holds concrete implementations of the contracts in package domain.
//
//   - TokenBucket: lazily refilled bucket with a FIFO WaitAndConsume
//   - ConcurrencyGate: FIFO counting gate on golang.org/x/sync/semaphore
//   - ClientStore: per-client non-blocking limiter on golang.org/x/time/rate
//   - MemoryStatsStore, RedisStatsStore, PrometheusStats: stats sinks
//   - AsyncStats: queues stats events off the admission path
//
// Time comes from a clockwork.Clock so tests can substitute a fake one.
package infra
