// Package submission implements the Submission Path: reserve budget, create
// the run, enqueue the dispatch message, and compensate with a full refund
// if anything after the reservation fails.
package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/queue"
	"github.com/packrun/coordinator/internal/runstore"
)

// Request is the caller-supplied submission command. SoftLimit is
// deliberately absent: the soft limit a reservation is checked against is
// the tenant's own configured value, read server-side, never the caller's.
type Request struct {
	TenantID        string
	PackSpec        string
	MaxCost         money.Micros
	IdempotencyKey  string
	LeaseTTLSeconds int64
}

// ErrBudgetExceeded is returned when the tenant's reservation would breach
// its soft limit. No run is created and no reservation is left behind.
var ErrBudgetExceeded = fmt.Errorf("submission: %w", coreerr.ErrBudgetExceeded)

type Path struct {
	store  runstore.Store
	engine budget.Engine
	queue  queue.Queue
	cfg    config.Config
	log    zerolog.Logger
}

func New(store runstore.Store, engine budget.Engine, q queue.Queue, cfg config.Config, logger zerolog.Logger) *Path {
	return &Path{store: store, engine: engine, queue: q, cfg: cfg, log: logger.With().Str("component", "submission").Logger()}
}

// softLimitFor resolves the soft limit a reservation is checked against:
// the tenant's own configured value, falling back to the deployment default
// when the tenant has no record.
func (p *Path) softLimitFor(ctx context.Context, tenantID string) (money.Micros, error) {
	softLimit, err := p.store.GetTenantSoftLimit(ctx, tenantID)
	if errors.Is(err, coreerr.ErrNotFound) {
		return p.cfg.SoftLimitDefaultMicros, nil
	}
	if err != nil {
		return 0, fmt.Errorf("submission: soft limit lookup: %w", err)
	}
	return softLimit, nil
}

// Submit runs the five-step submission protocol. On any failure after the
// reservation succeeds, it performs a compensating full refund before
// propagating the error — the only write ever made against a run that was
// never made visible to a caller.
func (p *Path) Submit(ctx context.Context, req Request) (runID string, err error) {
	if req.IdempotencyKey != "" {
		existing, lookupErr := p.store.LookupByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		if lookupErr == nil {
			p.log.Info().Str("run_id", existing.RunID).Str("idempotency_key", req.IdempotencyKey).Msg("submission replay")
			return existing.RunID, nil
		}
		if lookupErr != coreerr.ErrNotFound {
			return "", fmt.Errorf("submission: idempotency lookup: %w", lookupErr)
		}
	}

	runID = uuid.New().String()

	softLimit, err := p.softLimitFor(ctx, req.TenantID)
	if err != nil {
		return "", err
	}

	reserveResult, err := p.engine.Reserve(ctx, req.TenantID, runID, req.MaxCost, softLimit, p.cfg.TRes)
	if err != nil {
		return "", fmt.Errorf("submission: reserve: %w", err)
	}
	if reserveResult.Code == budget.CodeErrInsufficient {
		return "", ErrBudgetExceeded
	}
	if reserveResult.Code == budget.CodeErrDuplicate {
		return "", fmt.Errorf("submission: reserve: %w", coreerr.ErrDuplicateReservation)
	}

	run := &runstore.Run{
		RunID:              runID,
		TenantID:           req.TenantID,
		IdempotencyKey:     req.IdempotencyKey,
		Status:             runstore.StatusQueued,
		MoneyState:         runstore.MoneyStateReserved,
		FinalizeStage:      runstore.FinalizeUnclaimed,
		ReservationMaxCost: req.MaxCost,
	}

	if createErr := p.store.Create(ctx, run); createErr != nil {
		p.compensate(ctx, req.TenantID, runID)
		return "", fmt.Errorf("submission: create: %w", createErr)
	}

	msg := queue.Message{
		RunID:           runID,
		TenantID:        req.TenantID,
		PackSpec:        req.PackSpec,
		LeaseTTLSeconds: req.LeaseTTLSeconds,
	}
	if enqueueErr := p.queue.Enqueue(ctx, msg); enqueueErr != nil {
		p.compensate(ctx, req.TenantID, runID)
		return "", fmt.Errorf("submission: enqueue: %w", enqueueErr)
	}

	p.log.Info().Str("run_id", runID).Str("tenant_id", req.TenantID).Str("max_cost", req.MaxCost.String()).Msg("submitted")
	return runID, nil
}

// compensate undoes the reservation for a run that never became visible.
// Errors here are logged, not returned: there is no caller left to hand the
// error to, and retrying indefinitely would block submission forever.
func (p *Path) compensate(ctx context.Context, tenantID, runID string) {
	if _, err := p.engine.Refund(ctx, tenantID, runID, money.Zero); err != nil {
		p.log.Error().Err(err).Str("run_id", runID).Msg("compensating refund failed")
	}
}
