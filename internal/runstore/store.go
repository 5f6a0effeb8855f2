package runstore

import (
	"context"
	"time"

	"github.com/packrun/coordinator/internal/money"
)

// Store is the durable log of run lifecycle state. No operation blocks on
// external I/O besides the underlying store; cas_update is the only
// mutation primitive after creation.
type Store interface {
	// Create inserts a new run with version=1. Returns coreerr.ErrAlreadyExists
	// if run_id already exists.
	Create(ctx context.Context, run *Run) error

	// Load returns the current record or coreerr.ErrNotFound.
	Load(ctx context.Context, runID string) (*Run, error)

	// LookupByIdempotencyKey supports submission replay. Returns
	// coreerr.ErrNotFound if no run exists for (tenantID, key).
	LookupByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*Run, error)

	// CASUpdate atomically applies updates iff the stored version equals
	// expectedVersion and every extra condition holds. On success it
	// increments version and returns the new row; on failure (no match) it
	// returns applied=false with no error and no mutation.
	CASUpdate(ctx context.Context, runID string, expectedVersion int64, updates Update, conditions ...Condition) (applied bool, updated *Run, err error)

	// ScanStuckClaimed returns runs with finalize_stage=CLAIMED and
	// finalize_claimed_at older than olderThan.
	ScanStuckClaimed(ctx context.Context, olderThan time.Duration) ([]Run, error)

	// ScanExpiredLeases returns runs with status=PROCESSING and
	// lease_expires_at before now.
	ScanExpiredLeases(ctx context.Context, now time.Time) ([]Run, error)

	// GetTenantSoftLimit returns the tenant's configured soft limit.
	// Returns coreerr.ErrNotFound if the tenant has no record; callers fall
	// back to a configured default in that case rather than trusting a
	// caller-supplied value.
	GetTenantSoftLimit(ctx context.Context, tenantID string) (money.Micros, error)
}
