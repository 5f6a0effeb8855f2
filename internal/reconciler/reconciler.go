// Package reconciler implements the periodic sweeper that guarantees
// liveness of the finalize protocol: it rescues runs whose actors crashed
// between phases, without double-charging or losing money.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/finalize"
	"github.com/packrun/coordinator/internal/metrics"
	"github.com/packrun/coordinator/internal/objectstorage"
	"github.com/packrun/coordinator/internal/runstore"
)

const actorToken = "reconciler"

// Reconciler owns the two sweeps and their shared dependencies.
type Reconciler struct {
	store    runstore.Store
	engine   budget.Engine
	objects  objectstorage.Store
	protocol *finalize.Protocol
	cfg      config.Config
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(store runstore.Store, engine budget.Engine, objects objectstorage.Store, cfg config.Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		engine:   engine,
		objects:  objects,
		protocol: finalize.New(store, engine, logger),
		cfg:      cfg,
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// WithMetrics attaches a metrics bundle for sweep duration, stuck-rescue and
// audit-required counters. Optional.
func (r *Reconciler) WithMetrics(m *metrics.Metrics) *Reconciler {
	r.metrics = m
	return r
}

// Run blocks, ticking every cfg.SweepPeriod, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs both sweeps a single time; exported so cmd/reconciler and
// tests can drive sweeps deterministically instead of waiting on a ticker.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	start := time.Now()
	if err := r.SweepExpiredLeases(ctx); err != nil {
		r.log.Error().Err(err).Msg("sweep expired leases failed")
	}
	if err := r.SweepStuckClaimed(ctx); err != nil {
		r.log.Error().Err(err).Msg("sweep stuck claimed failed")
	}
	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// SweepExpiredLeases finds PROCESSING runs whose worker lease has expired
// and drives them through the ordinary failure-path finalize.
func (r *Reconciler) SweepExpiredLeases(ctx context.Context) error {
	runs, err := r.store.ScanExpiredLeases(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, run := range runs {
		r.log.Warn().Str("run_id", run.RunID).Msg("lease expired, running failure-path finalize")
		if err := r.protocol.RunFailure(ctx, run.RunID, actorToken, runstore.StatusExpired, r.cfg.DefaultMinimumFeeMicros); err != nil {
			r.log.Error().Err(err).Str("run_id", run.RunID).Msg("failure-path finalize errored")
		}
	}
	return nil
}

// SweepStuckClaimed finds runs claimed for longer than TStuck and resolves
// them via Case A (reservation still present: finish the ordinary protocol)
// or Case B (reservation absent: idempotent force-settle).
func (r *Reconciler) SweepStuckClaimed(ctx context.Context) error {
	runs, err := r.store.ScanStuckClaimed(ctx, r.cfg.TStuck)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.cfg.TStuck)
	for _, run := range runs {
		reservation, err := r.engine.GetReservation(ctx, run.TenantID, run.RunID)
		if err != nil {
			r.log.Error().Err(err).Str("run_id", run.RunID).Msg("get_reservation failed during sweep")
			continue
		}

		if reservation != nil {
			r.resolveCaseA(ctx, run, cutoff)
		} else {
			r.resolveCaseB(ctx, run)
		}
	}
	return nil
}

// resolveCaseA adopts the stuck claim under the original finalize_token and
// finishes Phase 2a/2b as a failure-path finalize (settle/refund are
// intentionally symmetric here: a run stuck this long with no completed
// upload is treated as a timeout, matching the expired-lease failure path).
func (r *Reconciler) resolveCaseA(ctx context.Context, run runstore.Run, cutoff time.Time) {
	adopted, err := r.protocol.AdoptStuckClaim(ctx, run, cutoff)
	if err != nil {
		r.log.Warn().Err(err).Str("run_id", run.RunID).Msg("case A: could not adopt stuck claim")
		return
	}

	refunded, err := r.protocol.Refund(ctx, *adopted, r.cfg.DefaultMinimumFeeMicros)
	if err != nil {
		r.log.Warn().Err(err).Str("run_id", run.RunID).Msg("case A: refund aborted (race with recovery)")
		return
	}

	if err := r.protocol.Commit(ctx, *adopted, finalize.Outcome{
		TerminalStatus: runstore.StatusFailed,
		MoneyState:     runstore.MoneyStateRefunded,
		ActualCost:     refunded.Charge,
	}); err != nil {
		r.log.Error().Err(err).Str("run_id", run.RunID).Msg("case A: commit failed")
		return
	}
	if r.metrics != nil {
		r.metrics.StuckRescues.WithLabelValues("a").Inc()
	}
}

// resolveCaseB runs the idempotent force-settle path: the ledger already
// settled, but the log never advanced past CLAIMED. It recovers a cost
// estimate, applies the TTL safety check, and writes the terminal state
// directly without touching the Budget Engine again.
func (r *Reconciler) resolveCaseB(ctx context.Context, run runstore.Run) {
	if run.FinalizeClaimedAt == nil {
		r.log.Error().Str("run_id", run.RunID).Msg("case B: stuck claimed run missing finalize_claimed_at")
		return
	}

	age := time.Since(*run.FinalizeClaimedAt)
	if age >= r.cfg.TRes {
		r.log.Warn().Str("run_id", run.RunID).Dur("age", age).Msg("case B: claim age exceeds reservation TTL, marking AUDIT_REQUIRED")
		if err := r.protocol.ForceSettle(ctx, run, runstore.StatusFailed, runstore.MoneyStateAuditRequired, run.ReservationMaxCost); err != nil {
			r.log.Error().Err(err).Str("run_id", run.RunID).Msg("case B: force-settle (audit path) failed")
			return
		}
		if r.metrics != nil {
			r.metrics.StuckRescues.WithLabelValues("b").Inc()
			r.metrics.AuditRequired.Inc()
		}
		return
	}

	terminalStatus := runstore.StatusFailed
	moneyState := runstore.MoneyStateSettled
	recoveredCost := run.ReservationMaxCost
	auditRequired := true

	if meta, err := r.objects.Metadata(ctx, run.RunID); err == nil {
		terminalStatus = runstore.StatusCompleted
		recoveredCost = meta.ActualCost
		auditRequired = false
	}

	if auditRequired && recoveredCost > r.cfg.AuditDiscrepancyThresholdMicros {
		moneyState = runstore.MoneyStateAuditRequired
	}

	if err := r.protocol.ForceSettle(ctx, run, terminalStatus, moneyState, recoveredCost); err != nil {
		r.log.Error().Err(err).Str("run_id", run.RunID).Msg("case B: force-settle failed")
		return
	}
	if r.metrics != nil {
		r.metrics.StuckRescues.WithLabelValues("b").Inc()
		if moneyState == runstore.MoneyStateAuditRequired {
			r.metrics.AuditRequired.Inc()
		}
	}
}
