package ratelimit

import (
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/rs/zerolog/hlog"
)

// Options configures per-client shedding in front of the admission gates.
type Options struct {
	Store domain.LimiterStore
	Stats domain.StatsStore
	KeyFn KeyFunc
	// KeyHeader and TrustXForwardedFor build DefaultKeyFunc when KeyFn is nil.
	KeyHeader          string
	TrustXForwardedFor bool
	// RejectStatus defaults to 429.
	RejectStatus int
	// RetryAfter is the least Retry-After sent on a shed request. Default 1s.
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
}

// rateInfo is implemented by stores that can describe their per-client limit.
type rateInfo interface {
	RPS() float64
	Burst() int
}

type shedder struct {
	svc     application.ShedService
	stats   domain.StatsStore
	keyFn   KeyFunc
	status  int
	headers bool
	limits  rateInfo
}

// Middleware rejects a client that exceeds its own rate at once, without
// queueing it behind other clients on the admission gates.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	s := &shedder{
		svc:     application.ShedService{Store: opts.Store, RetryAfter: opts.RetryAfter},
		stats:   opts.Stats,
		keyFn:   opts.KeyFn,
		status:  opts.RejectStatus,
		headers: opts.AddRateLimitHeaders,
	}
	if s.status == 0 {
		s.status = http.StatusTooManyRequests
	}
	if s.keyFn == nil {
		s.keyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	s.limits, _ = opts.Store.(rateInfo)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := s.keyFn(r)
			if s.headers {
				s.describe(w.Header(), key)
			}

			dec := s.svc.Decide(domain.Key(key))
			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			s.reject(w, r, key, dec)
		})
	}
}

func (s *shedder) describe(h http.Header, key string) {
	h.Set("X-RateLimit-Key", key)
	if s.limits != nil {
		h.Set("X-RateLimit-RPS", formatFloat(s.limits.RPS()))
		h.Set("X-RateLimit-Burst", formatInt(s.limits.Burst()))
	}
}

func (s *shedder) reject(w http.ResponseWriter, r *http.Request, key string, dec domain.Decision) {
	log := hlog.FromRequest(r)
	if s.stats != nil {
		err := s.stats.Record(r.Context(), domain.StatsEvent{
			Key:     domain.Key(key),
			Outcome: domain.OutcomeRejected,
			Method:  r.Method,
			Path:    r.URL.Path,
			At:      time.Now(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("stats record failed")
		}
	}
	log.Debug().Str("key", key).Dur("retry_after", dec.RetryAfter).Msg("client rate exceeded")

	w.Header().Set("Retry-After", formatRetryAfter(dec.RetryAfter))
	http.Error(w, http.StatusText(s.status), s.status)
}
