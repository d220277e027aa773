// Package metrics holds the Prometheus collectors the runtime exposes on
// /metrics. Collectors are created against an explicit registerer so tests
// can use a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the runtime writes to.
type Metrics struct {
	// SweepRuns counts completed sweep passes, by result ("ok" or "error").
	SweepRuns *prometheus.CounterVec

	// SweepDuration observes the wall time of one full sweep pass.
	SweepDuration prometheus.Histogram

	// SweepActions counts sweeper-applied changes by phase:
	// retry_released, decision_expired, decision_fallback, claim_reclaimed,
	// decision_deferred, decision_auto_resolved, slo_breached, drift_repaired.
	SweepActions *prometheus.CounterVec

	// RenderOutcomes counts render attempts by outcome ("rendered" or
	// "rejected").
	RenderOutcomes *prometheus.CounterVec

	// NowBacklog tracks the open now-urgency decision count per project.
	NowBacklog *prometheus.GaugeVec

	// EmergencyBacklog counts projects observed over the emergency threshold.
	EmergencyBacklog prometheus.Counter

	// JobsEnqueued counts jobs accepted by pool.
	JobsEnqueued *prometheus.CounterVec
}

// Sweep action label values.
const (
	ActionRetryReleased   = "retry_released"
	ActionDecisionExpired = "decision_expired"
	ActionFallbackApplied = "decision_fallback"
	ActionClaimReclaimed  = "claim_reclaimed"
	ActionDeferred        = "decision_deferred"
	ActionAutoResolved    = "decision_auto_resolved"
	ActionSloBreached     = "slo_breached"
	ActionDriftRepaired   = "drift_repaired"
)

// New creates and registers the collector set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drey",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Completed sweep passes by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drey",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one full sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drey",
			Subsystem: "sweeper",
			Name:      "actions_total",
			Help:      "Sweeper-applied changes by phase action.",
		}, []string{"action"}),
		RenderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drey",
			Subsystem: "decisions",
			Name:      "render_outcomes_total",
			Help:      "Render attempts by outcome.",
		}, []string{"outcome"}),
		NowBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "drey",
			Subsystem: "decisions",
			Name:      "now_backlog",
			Help:      "Open now-urgency decisions per project.",
		}, []string{"tenant", "project"}),
		EmergencyBacklog: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drey",
			Subsystem: "decisions",
			Name:      "emergency_backlog_total",
			Help:      "Times a project's now backlog exceeded the emergency threshold.",
		}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drey",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs accepted by pool.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		m.SweepRuns,
		m.SweepDuration,
		m.SweepActions,
		m.RenderOutcomes,
		m.NowBacklog,
		m.EmergencyBacklog,
		m.JobsEnqueued,
	)
	return m
}

// NewNop creates an unregistered collector set for callers that do not
// export metrics, such as tests and the CLI.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
