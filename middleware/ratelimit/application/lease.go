package application

import (
	"context"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
)

// Lease is the receipt of a successful Admit. It must be passed to Release
// exactly once, by the goroutine that obtained it.
type Lease struct {
	ID         uuid.UUID
	Cost       float64
	Wait       time.Duration
	AdmittedAt time.Time

	info     CallInfo
	owner    *AdmissionController
	released atomic.Bool
	refunded atomic.Bool
}

// Released reports whether the lease was already returned.
func (l *Lease) Released() bool { return l.released.Load() }

// CallInfo tags stats events with the caller's identity.
type CallInfo struct {
	Key    domain.Key
	Method string
	Path   string
}

type ctxKey int

const keyCallInfo ctxKey = 0

// WithCallInfo attaches call info to ctx; Admit reads it for stats.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, keyCallInfo, info)
}

// CallInfoFrom returns the call info stored in ctx, or a zero CallInfo.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(keyCallInfo).(CallInfo)
	return info
}
