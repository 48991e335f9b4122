// Package metrics holds the Prometheus instruments for store operations.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "branchsim"

// Metrics groups the counters and histograms recorded by the run manager
// and the divergence engine.
type Metrics struct {
	statesCreated     prometheus.Counter
	ledgerAppends     prometheus.Counter
	branches          prometheus.Counter
	sequenceConflicts prometheus.Counter
	statusTransitions *prometheus.CounterVec
	compareDuration   prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the instruments with reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		statesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "states_created_total",
			Help:      "Total states persisted",
		}),
		ledgerAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Total ledger entries written, including prefixes copied by branch",
		}),
		branches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_total",
			Help:      "Total runs created by branching",
		}),
		sequenceConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_conflicts_total",
			Help:      "Total appends rejected by a concurrent writer",
		}),
		// Labels: status (active, paused, completed, failed)
		statusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_status_transitions_total",
			Help:      "Run status transitions by target status",
		}, []string{"status"}),
		compareDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compare_duration_seconds",
			Help:      "Time to load and compare two run ledgers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		gatherer: reg,
	}
}

// StateCreated records n new states.
func (m *Metrics) StateCreated(n int) {
	if m == nil {
		return
	}
	m.statesCreated.Add(float64(n))
}

// LedgerAppended records n ledger rows written.
func (m *Metrics) LedgerAppended(n int) {
	if m == nil {
		return
	}
	m.ledgerAppends.Add(float64(n))
}

// Branched records a branch.
func (m *Metrics) Branched() {
	if m == nil {
		return
	}
	m.branches.Inc()
}

// SequenceConflict records a lost append race.
func (m *Metrics) SequenceConflict() {
	if m == nil {
		return
	}
	m.sequenceConflicts.Inc()
}

// StatusTransition records a run moving to status.
func (m *Metrics) StatusTransition(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

// ObserveCompare records how long a comparison took.
func (m *Metrics) ObserveCompare(d time.Duration) {
	if m == nil {
		return
	}
	m.compareDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
