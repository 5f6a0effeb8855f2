package runstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrun/coordinator/internal/coreerr"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db, zerolog.Nop()), mock
}

func runRow(mock sqlmock.Sqlmock, r Run) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"run_id", "tenant_id", "idempotency_key", "version", "status", "money_state", "finalize_stage",
		"finalize_token", "finalize_claimed_at", "lease_token", "lease_expires_at",
		"reservation_max_cost_micros", "actual_cost_micros", "minimum_fee_micros",
		"result_key", "result_hash", "last_error_reason_code", "created_at", "updated_at",
	}).AddRow(
		r.RunID, r.TenantID, nullOrString(r.IdempotencyKey), r.Version, r.Status, r.MoneyState, r.FinalizeStage,
		r.FinalizeToken, r.FinalizeClaimedAt, r.LeaseToken, r.LeaseExpiresAt,
		int64(r.ReservationMaxCost), nil, int64(r.MinimumFee),
		r.ResultKey, r.ResultHash, r.LastErrorReasonCode, r.CreatedAt, r.UpdatedAt,
	)
}

func nullOrString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func TestCASUpdateClaimApplies(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	want := Run{
		RunID: "run_1", TenantID: "tenant_1", Version: 2,
		Status: StatusProcessing, MoneyState: MoneyStateReserved, FinalizeStage: FinalizeClaimed,
		FinalizeToken: "worker-abc", FinalizeClaimedAt: &now,
		ReservationMaxCost: 1_500_000, MinimumFee: 0,
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectQuery(`UPDATE runs SET`).WillReturnRows(runRow(mock, want))

	token := "worker-abc"
	claimedAt := now
	stage := FinalizeClaimed
	applied, updated, err := store.CASUpdate(ctx, "run_1", 1, Update{
		FinalizeStage:     &stage,
		FinalizeToken:     &token,
		FinalizeClaimedAt: &claimedAt,
	}, Eq("finalize_stage", FinalizeUnclaimed))

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "worker-abc", updated.FinalizeToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCASUpdateConflictReturnsNotApplied(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE runs SET`).WillReturnRows(sqlmock.NewRows(nil))

	stage := FinalizeClaimed
	applied, updated, err := store.CASUpdate(ctx, "run_1", 1, Update{FinalizeStage: &stage}, Eq("finalize_stage", FinalizeUnclaimed))

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT run_id, tenant_id`).WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestCreateUniqueViolationMapsToAlreadyExists(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO runs`).WillReturnError(&pqUniqueErr{})

	err := store.Create(ctx, &Run{RunID: "run_1", TenantID: "tenant_1", Status: StatusQueued, MoneyState: MoneyStateReserved, FinalizeStage: FinalizeUnclaimed})
	assert.ErrorIs(t, err, coreerr.ErrAlreadyExists)
}

// pqUniqueErr is a unique constraint violation whose message carries
// SQLSTATE 23505, standing in for the driver's error without constructing
// a *pq.Error, keeping this test independent of a live connection.
type pqUniqueErr struct{}

func (e *pqUniqueErr) Error() string {
	return `pq: duplicate key value violates unique constraint "runs_pkey" (SQLSTATE 23505)`
}
