package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrConfiguration marks requests that can never be admitted with the
	// current configuration. Retrying without changing either is pointless.
	ErrConfiguration = errors.New("ratelimit: unsatisfiable under current configuration")

	// ErrProgramming marks caller misuse of a gate or lease.
	ErrProgramming = errors.New("ratelimit: programming error")

	ErrReleaseWithoutAcquire = fmt.Errorf("%w: release without matching acquire", ErrProgramming)
	ErrNilLease              = fmt.Errorf("%w: nil lease", ErrProgramming)
	ErrLeaseReleased         = fmt.Errorf("%w: lease already released", ErrProgramming)
	ErrForeignLease          = fmt.Errorf("%w: lease issued by another controller", ErrProgramming)
	ErrLeaseRefunded         = fmt.Errorf("%w: lease already refunded", ErrProgramming)

	// ErrStatsDropped is returned when a stats event could not be queued.
	ErrStatsDropped = errors.New("ratelimit: stats event dropped")
)

// ConfigurationError reports a request for more units than a gate can ever hold.
type ConfigurationError struct {
	Gate      string
	Requested float64
	Capacity  float64
	Reason    string
}

func (e *ConfigurationError) Error() string {
	msg := "ratelimit: " + e.Gate + ": "
	if e.Reason != "" {
		return msg + e.Reason
	}
	return msg + "requested " + formatUnits(e.Requested) + " units exceeds capacity " + formatUnits(e.Capacity)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func formatUnits(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
