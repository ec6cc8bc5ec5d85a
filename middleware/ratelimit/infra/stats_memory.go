package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Counters aggregates stats events.
type Counters struct {
	Admitted  int64
	Rejected  int64
	Cancelled int64
	Released  int64

	// Cost is the sum of cost units charged to admitted calls.
	Cost float64
	// Wait is the total time admitted calls spent suspended on the gates.
	Wait time.Duration
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch ev.Outcome {
	case domain.OutcomeAdmitted:
		c.Admitted++
		c.Cost += ev.Cost
		c.Wait += ev.Wait
	case domain.OutcomeRejected:
		c.Rejected++
	case domain.OutcomeCancelled:
		c.Cancelled++
	case domain.OutcomeReleased:
		c.Released++
	}
}

// Outstanding returns admitted calls not yet released.
func (c Counters) Outstanding() int64 { return c.Admitted - c.Released }

// MemoryStatsStore keeps counters in memory. Useful for tests and development.
//
// Nothing expires; not meant for production.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)

	if ev.Method != "" || ev.Path != "" {
		route := ev.Method + " " + ev.Path
		c := s.byRoute[route]
		c.add(ev)
		s.byRoute[route] = c
	}

	if s.trackKeys && ev.Key != "" {
		k := s.byKey[string(ev.Key)]
		k.add(ev)
		s.byKey[string(ev.Key)] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
