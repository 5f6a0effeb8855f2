// Package finalize drives a run from PROCESSING to a terminal status exactly
// once, even with concurrent actors, by composing a runstore.Store and a
// budget.Engine through the claim/commit handshake.
package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/metrics"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/runstore"
)

// Protocol is the two-phase finalize handshake. It holds no per-run state;
// every call is given the run id it operates on.
type Protocol struct {
	store   runstore.Store
	engine  budget.Engine
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(store runstore.Store, engine budget.Engine, logger zerolog.Logger) *Protocol {
	return &Protocol{
		store:  store,
		engine: engine,
		log:    logger.With().Str("component", "finalize").Logger(),
	}
}

// WithMetrics attaches a metrics bundle; claim races increment
// metrics.ClaimRaces. Optional — a Protocol built via New alone works fine
// without it.
func (p *Protocol) WithMetrics(m *metrics.Metrics) *Protocol {
	p.metrics = m
	return p
}

// Outcome describes the terminal state a successful commit writes.
type Outcome struct {
	TerminalStatus runstore.Status
	MoneyState     runstore.MoneyState
	ActualCost     money.Micros
	ResultKey      string
	ResultHash     string
}

// Claim runs Phase 1: it attempts to move the run from UNCLAIMED to CLAIMED
// under actorToken. Returns coreerr.ErrAlreadyClaimed if another actor holds
// the claim — callers must abort silently on that error, no retry.
func (p *Protocol) Claim(ctx context.Context, runID, actorToken string) (*runstore.Run, error) {
	run, err := p.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("finalize: claim: load: %w", err)
	}

	claimedStage := runstore.FinalizeClaimed
	now := time.Now()
	applied, updated, err := p.store.CASUpdate(ctx, runID, run.Version, runstore.Update{
		FinalizeStage:     &claimedStage,
		FinalizeToken:     &actorToken,
		FinalizeClaimedAt: &now,
	}, runstore.Eq("finalize_stage", runstore.FinalizeUnclaimed))
	if err != nil {
		return nil, fmt.Errorf("finalize: claim: cas_update: %w", err)
	}
	if !applied {
		p.log.Warn().Str("run_id", runID).Str("actor_token", actorToken).Msg("claim lost race")
		if p.metrics != nil {
			p.metrics.ClaimRaces.Inc()
		}
		return nil, coreerr.ErrAlreadyClaimed
	}

	p.log.Info().Str("run_id", runID).Str("actor_token", actorToken).Msg("claimed")
	return updated, nil
}

// AdoptStuckClaim lets the reconciler take Phase 2 ownership of a run whose
// original claimant never committed. It refreshes finalize_claimed_at
// without touching finalize_token, so the eventual commit's
// extra_conditions still match the original claimant's token — the
// reconciler finishes the original actor's handshake rather than starting
// its own.
func (p *Protocol) AdoptStuckClaim(ctx context.Context, run runstore.Run, cutoff time.Time) (*runstore.Run, error) {
	now := time.Now()
	applied, updated, err := p.store.CASUpdate(ctx, run.RunID, run.Version, runstore.Update{
		FinalizeClaimedAt: &now,
	}, runstore.Eq("finalize_stage", runstore.FinalizeClaimed), runstore.Lt("finalize_claimed_at", cutoff))
	if err != nil {
		return nil, fmt.Errorf("finalize: adopt_stuck_claim: cas_update: %w", err)
	}
	if !applied {
		return nil, coreerr.ErrCASConflict
	}
	p.log.Warn().Str("run_id", run.RunID).Str("finalize_token", run.FinalizeToken).Msg("adopted stuck claim")
	return updated, nil
}

// Settle runs the success half of Phase 2a. coreerr.ErrNoReservation signals
// the race-detector outcome: another actor already finalized this run and
// the caller must abort without writing a terminal status.
func (p *Protocol) Settle(ctx context.Context, run runstore.Run, actualCost money.Micros) (budget.SettleResult, error) {
	result, err := p.engine.Settle(ctx, run.TenantID, run.RunID, actualCost)
	if err != nil {
		return budget.SettleResult{}, fmt.Errorf("finalize: settle: %w", err)
	}
	if result.Code == budget.CodeErrNoReserve {
		return result, coreerr.ErrNoReservation
	}
	return result, nil
}

// Refund runs the failure half of Phase 2a.
func (p *Protocol) Refund(ctx context.Context, run runstore.Run, minimumFee money.Micros) (budget.SettleResult, error) {
	result, err := p.engine.Refund(ctx, run.TenantID, run.RunID, minimumFee)
	if err != nil {
		return budget.SettleResult{}, fmt.Errorf("finalize: refund: %w", err)
	}
	if result.Code == budget.CodeErrNoReserve {
		return result, coreerr.ErrNoReservation
	}
	return result, nil
}

// Commit runs Phase 2b. It conditions the CAS on the run still being CLAIMED
// by run.FinalizeToken, so a commit race (clock skew plus a reconciler
// override) is rejected rather than silently overwritten.
func (p *Protocol) Commit(ctx context.Context, run runstore.Run, outcome Outcome) error {
	committed := runstore.FinalizeCommitted
	applied, _, err := p.store.CASUpdate(ctx, run.RunID, run.Version, runstore.Update{
		Status:        &outcome.TerminalStatus,
		MoneyState:    &outcome.MoneyState,
		FinalizeStage: &committed,
		ActualCost:    &outcome.ActualCost,
		ResultKey:     &outcome.ResultKey,
		ResultHash:    &outcome.ResultHash,
	}, runstore.Eq("finalize_stage", runstore.FinalizeClaimed), runstore.Eq("finalize_token", run.FinalizeToken))
	if err != nil {
		return fmt.Errorf("finalize: commit: cas_update: %w", err)
	}
	if !applied {
		p.log.Error().Str("run_id", run.RunID).Str("finalize_token", run.FinalizeToken).
			Msg("commit lost race unexpectedly, not retrying")
		return coreerr.ErrNotClaimedByActor
	}
	p.log.Info().Str("run_id", run.RunID).Str("status", string(outcome.TerminalStatus)).
		Str("money_state", string(outcome.MoneyState)).Msg("committed")
	return nil
}

// RunSuccess drives the full success path: claim, settle, commit. It returns
// nil both when the run reaches COMMITTED and when this actor loses a race
// (ErrAlreadyClaimed/ErrNoReservation) — those are the defined silent-abort
// outcomes, not failures of this call.
func (p *Protocol) RunSuccess(ctx context.Context, runID, actorToken, resultKey, resultHash string, actualCost money.Micros) error {
	run, err := p.Claim(ctx, runID, actorToken)
	if err == coreerr.ErrAlreadyClaimed {
		return nil
	}
	if err != nil {
		return err
	}

	settled, err := p.Settle(ctx, *run, actualCost)
	if err == coreerr.ErrNoReservation {
		return nil
	}
	if err != nil {
		return err
	}

	return p.Commit(ctx, *run, Outcome{
		TerminalStatus: runstore.StatusCompleted,
		MoneyState:     runstore.MoneyStateSettled,
		ActualCost:     settled.Charge,
		ResultKey:      resultKey,
		ResultHash:     resultHash,
	})
}

// RunFailure drives the full failure path: claim, refund, commit to
// terminalStatus (FAILED or EXPIRED).
func (p *Protocol) RunFailure(ctx context.Context, runID, actorToken string, terminalStatus runstore.Status, minimumFee money.Micros) error {
	run, err := p.Claim(ctx, runID, actorToken)
	if err == coreerr.ErrAlreadyClaimed {
		return nil
	}
	if err != nil {
		return err
	}

	refunded, err := p.Refund(ctx, *run, minimumFee)
	if err == coreerr.ErrNoReservation {
		return nil
	}
	if err != nil {
		return err
	}

	return p.Commit(ctx, *run, Outcome{
		TerminalStatus: terminalStatus,
		MoneyState:     runstore.MoneyStateRefunded,
		ActualCost:     refunded.Charge,
	})
}

// ForceSettle is the reconciler's Case B idempotent path: the budget side
// already settled (no reservation remains) but Phase 2b never landed. It
// writes the terminal status directly without calling the Budget Engine
// again, scoped to finalize_stage=CLAIMED AND money_state=RESERVED so it can
// never rewrite an already-committed or already-refunded run.
func (p *Protocol) ForceSettle(ctx context.Context, run runstore.Run, terminalStatus runstore.Status, moneyState runstore.MoneyState, recoveredCost money.Micros) error {
	committed := runstore.FinalizeCommitted
	applied, _, err := p.store.CASUpdate(ctx, run.RunID, run.Version, runstore.Update{
		Status:        &terminalStatus,
		MoneyState:    &moneyState,
		FinalizeStage: &committed,
		ActualCost:    &recoveredCost,
	}, runstore.Eq("finalize_stage", runstore.FinalizeClaimed), runstore.Eq("money_state", runstore.MoneyStateReserved))
	if err != nil {
		return fmt.Errorf("finalize: force_settle: cas_update: %w", err)
	}
	if !applied {
		p.log.Warn().Str("run_id", run.RunID).Msg("force_settle lost race, run already advanced")
		return nil
	}
	p.log.Warn().Str("run_id", run.RunID).Str("money_state", string(moneyState)).
		Str("recovered_cost", recoveredCost.String()).Msg("force-settled stuck run")
	return nil
}
