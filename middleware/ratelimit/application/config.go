package application

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRatePeriod is used when a rate limit is set without a period.
const DefaultRatePeriod = time.Minute

// Config describes the three admission gates. A zero limit disables its gate.
type Config struct {
	// MaxConcurrency bounds simultaneous admissions.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RequestRateLimit requests are allowed per RequestRatePeriod, in a burst
	// of up to RequestRateLimit.
	RequestRateLimit  float64       `yaml:"request_rate_limit"`
	RequestRatePeriod time.Duration `yaml:"request_rate_period"`

	// CostRateLimit cost units are allowed per CostRatePeriod, in a burst of
	// up to CostRateLimit. A single call may never cost more than CostRateLimit.
	CostRateLimit  float64       `yaml:"cost_rate_limit"`
	CostRatePeriod time.Duration `yaml:"cost_rate_period"`

	// AdmitTimeout bounds the time spent waiting in Admit. 0 waits until the
	// caller's context ends.
	AdmitTimeout time.Duration `yaml:"admit_timeout"`

	// RefundOnError lets Refund return a lease's units to the rate buckets.
	// Off by default: consumed units stay spent whatever the backend outcome.
	RefundOnError bool `yaml:"refund_on_error"`
}

// WithDefaults fills unset periods.
func (c Config) WithDefaults() Config {
	if c.RequestRatePeriod == 0 {
		c.RequestRatePeriod = DefaultRatePeriod
	}
	if c.CostRatePeriod == 0 {
		c.CostRatePeriod = DefaultRatePeriod
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency))
	}
	if c.RequestRateLimit < 0 {
		errs = append(errs, fmt.Errorf("request_rate_limit must be >= 0, got %g", c.RequestRateLimit))
	}
	if c.RequestRateLimit > 0 && c.RequestRateLimit < 1 {
		errs = append(errs, fmt.Errorf("request_rate_limit must be >= 1 so one request fits the burst, got %g", c.RequestRateLimit))
	}
	if c.RequestRatePeriod < 0 {
		errs = append(errs, fmt.Errorf("request_rate_period must be > 0, got %s", c.RequestRatePeriod))
	}
	if c.CostRateLimit < 0 {
		errs = append(errs, fmt.Errorf("cost_rate_limit must be >= 0, got %g", c.CostRateLimit))
	}
	if c.CostRatePeriod < 0 {
		errs = append(errs, fmt.Errorf("cost_rate_period must be > 0, got %s", c.CostRatePeriod))
	}
	if c.AdmitTimeout < 0 {
		errs = append(errs, fmt.Errorf("admit_timeout must be >= 0, got %s", c.AdmitTimeout))
	}
	return errors.Join(errs...)
}
