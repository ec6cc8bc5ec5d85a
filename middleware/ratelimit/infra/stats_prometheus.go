package infra

import (
	"context"
	"errors"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStats exports stats events as Prometheus metrics.
type PrometheusStats struct {
	reg       prometheus.Registerer
	namespace string

	Events      *prometheus.CounterVec
	CostUnits   prometheus.Counter
	WaitSeconds prometheus.Histogram
}

func NewPrometheusStats(reg prometheus.Registerer, namespace string) *PrometheusStats {
	p := &PrometheusStats{
		reg:       reg,
		namespace: namespace,
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_events_total",
				Help:      "Admission decisions and releases by outcome",
			},
			[]string{"outcome"},
		),
		CostUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_cost_units_total",
			Help:      "Cost units charged to admitted calls",
		}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time admitted calls spent waiting on the gates",
			Buckets:   []float64{0, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(p.Events, p.CostUnits, p.WaitSeconds)
	return p
}

func (p *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	p.Events.WithLabelValues(string(ev.Outcome)).Inc()
	if ev.Outcome == domain.OutcomeAdmitted {
		if ev.Cost > 0 {
			p.CostUnits.Add(ev.Cost)
		}
		p.WaitSeconds.Observe(ev.Wait.Seconds())
	}
	return nil
}

// Watch registers gauges read from snapshot at scrape time.
func (p *PrometheusStats) Watch(snapshot func() domain.Snapshot) {
	gauge := func(name, help string, read func(domain.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(snapshot()) })
	}
	p.reg.MustRegister(
		gauge("admission_in_flight", "Admitted calls not yet released",
			func(s domain.Snapshot) float64 { return float64(s.InFlight) }),
		gauge("admission_max_concurrency", "Concurrency limit (0 = unlimited)",
			func(s domain.Snapshot) float64 { return float64(s.MaxConcurrency) }),
		gauge("admission_request_units_available", "Request-rate units currently available",
			func(s domain.Snapshot) float64 { return s.RequestsAvailable }),
		gauge("admission_cost_units_available", "Cost-rate units currently available",
			func(s domain.Snapshot) float64 { return s.CostAvailable }),
		gauge("admission_waiters", "Callers queued on the rate buckets",
			func(s domain.Snapshot) float64 { return float64(s.RequestWaiters + s.CostWaiters) }),
	)
}

// MultiStats fans an event out to several stores and joins their errors.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
