// Package metrics exposes the coordinator's Prometheus instrumentation,
// registered once per process and passed by reference into the components
// that increment it — the same shape as the teacher's promhttp.Handler wiring.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram the core components touch.
type Metrics struct {
	ReserveTotal  *prometheus.CounterVec
	SettleTotal   *prometheus.CounterVec
	RefundTotal   *prometheus.CounterVec
	ClaimRaces    prometheus.Counter
	StuckRescues  *prometheus.CounterVec
	AuditRequired prometheus.Counter
	SweepDuration prometheus.Histogram
	RunsProcessed *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReserveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "budget",
			Name:      "reserve_total",
			Help:      "Budget Engine reserve() calls by outcome code.",
		}, []string{"code"}),
		SettleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "budget",
			Name:      "settle_total",
			Help:      "Budget Engine settle() calls by outcome code.",
		}, []string{"code"}),
		RefundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "budget",
			Name:      "refund_total",
			Help:      "Budget Engine refund() calls by outcome code.",
		}, []string{"code"}),
		ClaimRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "finalize",
			Name:      "claim_races_total",
			Help:      "Finalize claim attempts that lost the race (applied=false).",
		}),
		StuckRescues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "reconciler",
			Name:      "stuck_rescues_total",
			Help:      "Stuck claimed runs rescued by the reconciler, by case (a|b).",
		}, []string{"case"}),
		AuditRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "reconciler",
			Name:      "audit_required_total",
			Help:      "Runs the reconciler marked AUDIT_REQUIRED.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "reconciler",
			Name:      "sweep_duration_seconds",
			Help:      "Wall-clock duration of one full sweep (both sweeps).",
			Buckets:   prometheus.DefBuckets,
		}),
		RunsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "worker",
			Name:      "runs_processed_total",
			Help:      "Runs a worker drove to a terminal finalize, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ReserveTotal, m.SettleTotal, m.RefundTotal,
		m.ClaimRaces, m.StuckRescues, m.AuditRequired, m.SweepDuration,
		m.RunsProcessed,
	)
	return m
}
