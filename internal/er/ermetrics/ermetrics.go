// Package ermetrics exports per-stage pipeline counters and timing
// histograms via github.com/prometheus/client_golang, donated by the
// luxfi-consensus example repo (which wires client_golang counters and
// histograms throughout its consensus round-tracking). One Registry is
// constructed per pipeline run and passed down explicitly — never a
// package-level prometheus.DefaultRegisterer, per Design Note §9's ban
// on global mutable state.
package ermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the pipeline's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	StageTotal    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RecordsTotal  *prometheus.CounterVec
}

// New constructs a fresh Registry with its own prometheus.Registry (not
// the global DefaultRegisterer), so concurrent pipeline runs in the same
// process never collide on metric registration.
func New() *Registry {
	reg := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "er_stage_total",
		Help: "Count of pipeline stage outcomes.",
	}, []string{"stage", "outcome"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "er_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	recordsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "er_records_total",
		Help: "Count of records processed, by stage and outcome.",
	}, []string{"stage", "outcome"})

	reg.MustRegister(stageTotal, stageDuration, recordsTotal)

	return &Registry{
		reg:           reg,
		StageTotal:    stageTotal,
		StageDuration: stageDuration,
		RecordsTotal:  recordsTotal,
	}
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveStage records a stage's outcome and duration in one call.
func (r *Registry) ObserveStage(stage, outcome string, seconds float64) {
	r.StageTotal.WithLabelValues(stage, outcome).Inc()
	r.StageDuration.WithLabelValues(stage).Observe(seconds)
}
