package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/rs/zerolog/hlog"
)

type AdmissionOptions struct {
	Controller *application.AdmissionController
	// Cost estimates each request. Nil charges nothing, so only the
	// concurrency and request-rate gates apply.
	Cost  CostFunc
	KeyFn KeyFunc
	// RetryAfter is the minimum Retry-After sent with 503 (default 1s). The
	// controller's own estimate is used when it is longer.
	RetryAfter time.Duration
	// AddHeaders sets X-Admission-Wait and X-Admission-Lease on admitted requests.
	AddHeaders bool
}

// AdmissionMiddleware holds each request until the controller admits it and
// releases the lease once the next handler returns.
//
// Requests whose cost can never be admitted get 413. Requests that give up
// waiting (client gone or admit timeout) get 503 with Retry-After. A response
// of 500 or more refunds the lease when the controller refunds on error.
func AdmissionMiddleware(opts AdmissionOptions) func(next http.Handler) http.Handler {
	if opts.Controller == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.Cost == nil {
		opts.Cost = FixedCost(0)
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 1 * time.Second
	}
	ctl := opts.Controller

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := hlog.FromRequest(r)

			cost, err := opts.Cost(r)
			if err != nil {
				log.Debug().Err(err).Msg("cost estimate failed")
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}

			ctx := application.WithCallInfo(r.Context(), application.CallInfo{
				Key:    domain.Key(opts.KeyFn(r)),
				Method: r.Method,
				Path:   r.URL.Path,
			})

			lease, err := ctl.Admit(ctx, cost)
			if err != nil {
				status := admissionStatus(err)
				if status == http.StatusServiceUnavailable {
					retry := max(opts.RetryAfter, ctl.TimeUntilAdmissible(cost))
					w.Header().Set("Retry-After", formatRetryAfter(retry))
				}
				log.Warn().Err(err).Float64("cost", cost).Int("status", status).Msg("admission denied")
				http.Error(w, http.StatusText(status), status)
				return
			}
			defer func() {
				if err := ctl.Release(lease); err != nil {
					log.Error().Err(err).Str("lease", lease.ID.String()).Msg("admission release failed")
				}
			}()

			if opts.AddHeaders {
				w.Header().Set("X-Admission-Wait", formatDuration(lease.Wait))
				w.Header().Set("X-Admission-Lease", lease.ID.String())
				w.Header().Set("X-Admission-Cost", formatFloat(cost))
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status >= http.StatusInternalServerError {
				if err := ctl.Refund(lease); err != nil {
					log.Error().Err(err).Str("lease", lease.ID.String()).Msg("admission refund failed")
				}
			}
		})
	}
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and deadlines on the
// underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
