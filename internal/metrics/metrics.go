// Package metrics exposes Prometheus instrumentation for job steps and
// library syncs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step outcomes.
const (
	OutcomeProgressed = "progressed"
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeDeferred   = "deferred"
	OutcomeError      = "error"
	OutcomeSkipped    = "skipped"
	OutcomeOK         = "ok"
)

// Metrics holds the registered collectors.
type Metrics struct {
	reg          prometheus.Gatherer
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	syncs        *prometheus.CounterVec
	dropped      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqm",
			Subsystem: "job",
			Name:      "steps_total",
			Help:      "Job steps processed, by job type and outcome.",
		}, []string{"type", "outcome"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cqm",
			Subsystem: "job",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one job step.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"type"}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqm",
			Subsystem: "library",
			Name:      "sync_total",
			Help:      "Library stat syncs, by outcome.",
		}, []string{"outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cqm",
			Subsystem: "library",
			Name:      "dropped_packs_total",
			Help:      "Pack references dropped because the file was gone.",
		}),
	}
}

// ObserveStep records one job step.
func (m *Metrics) ObserveStep(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(jobType, outcome).Inc()
	m.stepDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// ObserveSync records one library sync and the references it dropped.
func (m *Metrics) ObserveSync(outcome string, dropped int) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
