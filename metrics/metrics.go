package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports ledger metrics to Prometheus. A nil *Recorder is valid and
// records nothing, so packages can take one without a nil check.
type Recorder struct {
	webhookEvents *prometheus.CounterVec
	reservations  *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	swept         prometheus.Counter
	generation    *prometheus.HistogramVec
}

// New registers the ledger collectors on reg (the default registerer when nil).
// Collectors already registered under the same name are reused.
func New(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "nudge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{}
	var err error
	if r.webhookEvents, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Billing webhook events by type and outcome.",
	}, []string{"type", "outcome"})); err != nil {
		return nil, err
	}
	if r.reservations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_total",
		Help:      "Gated action reservations by kind and result.",
	}, []string{"kind", "result"})); err != nil {
		return nil, err
	}
	if r.jobs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_jobs_total",
		Help:      "Generation jobs by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.swept, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_swept_total",
		Help:      "Stale reservations refunded by the sweeper.",
	})); err != nil {
		return nil, err
	}
	if r.generation, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Latency of media generation calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

func (r *Recorder) WebhookEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Reservation counts one reservation transition; result is reserved, denied,
// committed or refunded.
func (r *Recorder) Reservation(kind, result string) {
	if r == nil {
		return
	}
	r.reservations.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) Job(outcome string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Swept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.swept.Add(float64(n))
}

func (r *Recorder) Generation(d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.generation.WithLabelValues(outcome).Observe(d.Seconds())
}
