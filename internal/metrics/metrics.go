// Package metrics exposes Prometheus collectors for propagation and
// reconciliation.
//
// Collectors are registered on a caller-supplied registry so tests can use
// an isolated prometheus.NewRegistry(). All recording methods are safe on a
// nil *Metrics, which lets library code record unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gradelock"

// Pass outcomes used as the "result" label.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Metrics holds every collector the engine records to.
type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	jobs         prometheus.Counter
	itemFailures prometheus.Counter
	catchup      *prometheus.CounterVec
	touched      *prometheus.CounterVec
	blocked      prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result (ok, skipped, failed)",
		}, []string{"result"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of completed reconciliation passes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		jobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "jobs_executed_total",
			Help:      "Scheduled jobs executed and deleted",
		}),
		itemFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "item_failures_total",
			Help:      "Items whose processing failed and was rolled back to a savepoint",
		}),
		catchup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "catchup_total",
			Help:      "Entities that received inherited locks during catch-up, by kind",
		}, []string{"kind"}),
		touched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagate",
			Name:      "touched_total",
			Help:      "Entities written by propagation, by kind (category, item)",
		}, []string{"kind"}),
		blocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagate",
			Name:      "blocked_total",
			Help:      "Categories refused by the ancestor guard",
		}),
	}
}

// PassCompleted records a finished pass and its duration.
func (m *Metrics) PassCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(ResultOK).Inc()
	m.passDuration.Observe(d.Seconds())
}

// PassSkipped records a tick that could not take the lease.
func (m *Metrics) PassSkipped() {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(ResultSkipped).Inc()
}

// PassFailed records a pass aborted by a store failure.
func (m *Metrics) PassFailed() {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(ResultFailed).Inc()
}

// JobExecuted counts one consumed scheduled job.
func (m *Metrics) JobExecuted() {
	if m == nil {
		return
	}
	m.jobs.Inc()
}

// ItemFailed counts one isolated item failure.
func (m *Metrics) ItemFailed() {
	if m == nil {
		return
	}
	m.itemFailures.Inc()
}

// CatchUp counts entities locked by inheritance catch-up.
func (m *Metrics) CatchUp(items, categories int) {
	if m == nil {
		return
	}
	m.catchup.WithLabelValues("item").Add(float64(items))
	m.catchup.WithLabelValues("category").Add(float64(categories))
}

// Propagated records what one propagation call wrote and refused.
func (m *Metrics) Propagated(categories, items, blocked int) {
	if m == nil {
		return
	}
	m.touched.WithLabelValues("category").Add(float64(categories))
	m.touched.WithLabelValues("item").Add(float64(items))
	m.blocked.Add(float64(blocked))
}
