package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ClientStore keeps one x/time/rate limiter per client key and evicts idle ones.
// It backs the non-blocking front-door shedding in front of the admission controller.
type ClientStore struct {
	mu           sync.Mutex
	entries      map[string]*clientEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	clock        clockwork.Clock
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type StoreOption func(*ClientStore)

func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *ClientStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *ClientStore) { s.cleanupEvery = d }
}

func WithStoreClock(c clockwork.Clock) StoreOption {
	return func(s *ClientStore) { s.clock = c }
}

func NewClientStore(rps float64, burst int, opts ...StoreOption) *ClientStore {
	s := &ClientStore{
		entries:      make(map[string]*clientEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ClientStore) RPS() float64 { return float64(s.rps) }
func (s *ClientStore) Burst() int   { return s.burst }

// Len returns the number of tracked clients.
func (s *ClientStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get implements domain.LimiterStore.
func (s *ClientStore) Get(key domain.Key) domain.Limiter {
	return clientLimiter{lim: s.limiter(string(key)), clock: s.clock}
}

func (s *ClientStore) limiter(key string) *rate.Limiter {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &clientEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops clients not seen for idleTTL.
func (s *ClientStore) Cleanup() {
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every cleanupEvery until ctx ends.
func (s *ClientStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := s.clock.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.Chan():
				s.Cleanup()
			}
		}
	}()
}

// clientLimiter evaluates the rate.Limiter against the store's clock.
type clientLimiter struct {
	lim   *rate.Limiter
	clock clockwork.Clock
}

func (c clientLimiter) Allow() bool {
	return c.lim.AllowN(c.clock.Now(), 1)
}

// Delay reports how long until the next event would be allowed. It reserves
// and immediately cancels, so the limiter is left as it was.
func (c clientLimiter) Delay() time.Duration {
	now := c.clock.Now()
	r := c.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}
