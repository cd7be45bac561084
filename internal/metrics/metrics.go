// Package metrics provides Prometheus metrics for the work loop, agent
// manager and reconciler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records work loop metrics on its own registry. A nil Recorder
// discards everything.
type Recorder struct {
	registry *prometheus.Registry

	phaseActions   *prometheus.CounterVec
	phaseFailures  *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	activeAgents   *prometheus.GaugeVec
	spawnsTotal    *prometheus.CounterVec
	reapsTotal     *prometheus.CounterVec
	reconcileTotal *prometheus.CounterVec
}

// NewRecorder creates a Recorder with a fresh registry that also carries the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		phaseActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workloop_phase_actions_total",
				Help: "Actions taken by work loop phases",
			},
			[]string{"phase"},
		),
		phaseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workloop_phase_failures_total",
				Help: "Work loop phases that failed",
			},
			[]string{"phase"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workloop_cycle_duration_seconds",
				Help:    "Duration of one project cycle in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workloop_active_agents",
				Help: "Live agent handles by role",
			},
			[]string{"role"},
		),
		spawnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workloop_spawns_total",
				Help: "Spawn attempts by role and result",
			},
			[]string{"role", "result"},
		),
		reapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workloop_reaps_total",
				Help: "Reaped agents by result",
			},
			[]string{"result"},
		),
		reconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workloop_reconcile_total",
				Help: "Reconciled sessions by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObservePhase records the outcome of one phase run.
func (r *Recorder) ObservePhase(phase string, actions int, failed bool) {
	if r == nil {
		return
	}
	if actions > 0 {
		r.phaseActions.WithLabelValues(phase).Add(float64(actions))
	}
	if failed {
		r.phaseFailures.WithLabelValues(phase).Inc()
	}
}

// ObserveCycle records the duration of one project cycle.
func (r *Recorder) ObserveCycle(d time.Duration) {
	if r == nil {
		return
	}
	r.cycleDuration.Observe(d.Seconds())
}

// SetActiveAgents replaces the active agent gauge with counts by role.
func (r *Recorder) SetActiveAgents(byRole map[string]int) {
	if r == nil {
		return
	}
	r.activeAgents.Reset()
	for role, n := range byRole {
		r.activeAgents.WithLabelValues(role).Set(float64(n))
	}
}

// IncSpawn counts a spawn attempt. Result is accepted, rejected or skipped.
func (r *Recorder) IncSpawn(role, result string) {
	if r == nil {
		return
	}
	r.spawnsTotal.WithLabelValues(role, result).Inc()
}

// IncReap counts a reaped agent. Result is success, failed, stale or no_transcript.
func (r *Recorder) IncReap(result string) {
	if r == nil {
		return
	}
	r.reapsTotal.WithLabelValues(result).Inc()
}

// AddReconcile counts reconciled sessions for a result.
func (r *Recorder) AddReconcile(result string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reconcileTotal.WithLabelValues(result).Add(float64(n))
}
