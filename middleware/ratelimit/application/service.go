package application

import (
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// ShedService makes the non-blocking per-client decision taken before a
// request is queued on the admission controller.
//
// It knows nothing about HTTP (headers/status); it only returns a decision.
// RetryAfter is a floor: a limiter that knows its own delay may raise it.
type ShedService struct {
	Store      domain.LimiterStore
	RetryAfter time.Duration
}

func (s ShedService) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}

	lim := s.Store.Get(key)
	if lim == nil || lim.Allow() {
		return domain.Decision{Allowed: true}
	}

	retry := s.RetryAfter
	if d, ok := lim.(domain.Delayer); ok {
		retry = max(retry, d.Delay())
	}
	return domain.Decision{Allowed: false, RetryAfter: retry}
}
