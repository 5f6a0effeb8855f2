package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/objectstorage"
	"github.com/packrun/coordinator/internal/runstore"
)

func testConfig() config.Config {
	return config.Config{
		SweepPeriod:                     time.Second,
		TStuck:                          5 * time.Second,
		LeaseTTL:                        6 * time.Second,
		TRes:                            time.Hour,
		DefaultMinimumFeeMicros:         0,
		AuditDiscrepancyThresholdMicros: 0,
	}
}

func microsOf(t *testing.T, s string) money.Micros {
	t.Helper()
	m, err := money.ParseDecimalString(s)
	require.NoError(t, err)
	return m
}

func TestSweepExpiredLeasesRefundsAndMarksExpired(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	objects := objectstorage.NewInMemoryStore()

	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))
	require.NoError(t, store.Create(ctx, &runstore.Run{
		RunID: "run_1", TenantID: "tenant_1",
		Status: runstore.StatusProcessing, MoneyState: runstore.MoneyStateReserved, FinalizeStage: runstore.FinalizeUnclaimed,
		ReservationMaxCost: microsOf(t, "1.0000"),
	}))
	_, err := engine.Reserve(ctx, "tenant_1", "run_1", microsOf(t, "1.0000"), 0, time.Hour)
	require.NoError(t, err)

	expired := time.Now().Add(-time.Minute)
	leaseToken := "lease-1"
	_, _, err = store.CASUpdate(ctx, "run_1", 1, runstore.Update{LeaseToken: &leaseToken, LeaseExpiresAt: &expired})
	require.NoError(t, err)

	r := New(store, engine, objects, testConfig(), zerolog.Nop())
	require.NoError(t, r.SweepExpiredLeases(ctx))

	run, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusExpired, run.Status)
	assert.Equal(t, runstore.MoneyStateRefunded, run.MoneyState)

	balance, err := engine.Balance(ctx, "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, microsOf(t, "10.0000"), balance, "zero minimum fee should refund the full reservation")
}

func TestSweepStuckClaimedCaseAResumesProtocol(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	objects := objectstorage.NewInMemoryStore()
	cfg := testConfig()

	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))
	require.NoError(t, store.Create(ctx, &runstore.Run{
		RunID: "run_1", TenantID: "tenant_1",
		Status: runstore.StatusProcessing, MoneyState: runstore.MoneyStateReserved, FinalizeStage: runstore.FinalizeUnclaimed,
		ReservationMaxCost: microsOf(t, "1.0000"),
	}))
	_, err := engine.Reserve(ctx, "tenant_1", "run_1", microsOf(t, "1.0000"), 0, time.Hour)
	require.NoError(t, err)

	staleClaim := time.Now().Add(-cfg.TStuck * 2)
	claimed := runstore.FinalizeClaimed
	token := "worker-dead"
	_, _, err = store.CASUpdate(ctx, "run_1", 1, runstore.Update{
		FinalizeStage: &claimed, FinalizeToken: &token, FinalizeClaimedAt: &staleClaim,
	}, runstore.Eq("finalize_stage", runstore.FinalizeUnclaimed))
	require.NoError(t, err)

	r := New(store, engine, objects, cfg, zerolog.Nop())
	require.NoError(t, r.SweepStuckClaimed(ctx))

	run, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, runstore.FinalizeCommitted, run.FinalizeStage)
	assert.Equal(t, runstore.MoneyStateRefunded, run.MoneyState)

	reservation, err := engine.GetReservation(ctx, "tenant_1", "run_1")
	require.NoError(t, err)
	assert.Nil(t, reservation, "case A rescue must consume the reservation")
}

func TestSweepStuckClaimedCaseBForceSettlesWithObjectMetadata(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	objects := objectstorage.NewInMemoryStore()
	cfg := testConfig()

	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))
	require.NoError(t, store.Create(ctx, &runstore.Run{
		RunID: "run_1", TenantID: "tenant_1",
		Status: runstore.StatusProcessing, MoneyState: runstore.MoneyStateReserved, FinalizeStage: runstore.FinalizeUnclaimed,
		ReservationMaxCost: microsOf(t, "1.0000"),
	}))
	// Budget Engine already settled (simulating a crash between settle and commit).
	_, err := engine.Reserve(ctx, "tenant_1", "run_1", microsOf(t, "1.0000"), 0, time.Hour)
	require.NoError(t, err)
	_, err = engine.Settle(ctx, "tenant_1", "run_1", microsOf(t, "0.7500"))
	require.NoError(t, err)

	require.NoError(t, objects.Upload(ctx, "run_1", []byte("result"), objectstorage.Metadata{
		SizeBytes: 6, Hash: "deadbeef", ActualCost: microsOf(t, "0.7500"),
	}))

	staleClaim := time.Now().Add(-cfg.TStuck * 2)
	claimed := runstore.FinalizeClaimed
	token := "worker-dead"
	_, _, err = store.CASUpdate(ctx, "run_1", 1, runstore.Update{
		FinalizeStage: &claimed, FinalizeToken: &token, FinalizeClaimedAt: &staleClaim,
	}, runstore.Eq("finalize_stage", runstore.FinalizeUnclaimed))
	require.NoError(t, err)

	r := New(store, engine, objects, cfg, zerolog.Nop())
	require.NoError(t, r.SweepStuckClaimed(ctx))

	run, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, run.Status)
	assert.Equal(t, runstore.MoneyStateSettled, run.MoneyState)
	assert.Equal(t, runstore.FinalizeCommitted, run.FinalizeStage)
	require.NotNil(t, run.ActualCost)
	assert.Equal(t, microsOf(t, "0.7500"), *run.ActualCost, "case B should recover the exact cost from object storage metadata")
}

func TestSweepStuckClaimedCaseBWithoutMetadataMarksAuditRequired(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	objects := objectstorage.NewInMemoryStore()
	cfg := testConfig()

	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))
	require.NoError(t, store.Create(ctx, &runstore.Run{
		RunID: "run_1", TenantID: "tenant_1",
		Status: runstore.StatusProcessing, MoneyState: runstore.MoneyStateReserved, FinalizeStage: runstore.FinalizeUnclaimed,
		ReservationMaxCost: microsOf(t, "1.0000"),
	}))
	_, err := engine.Reserve(ctx, "tenant_1", "run_1", microsOf(t, "1.0000"), 0, time.Hour)
	require.NoError(t, err)
	_, err = engine.Settle(ctx, "tenant_1", "run_1", microsOf(t, "0.7500"))
	require.NoError(t, err)
	// No object-storage metadata uploaded: cost recovery falls back to
	// reservation_max_cost, which must surface as AUDIT_REQUIRED by default.

	staleClaim := time.Now().Add(-cfg.TStuck * 2)
	claimed := runstore.FinalizeClaimed
	token := "worker-dead"
	_, _, err = store.CASUpdate(ctx, "run_1", 1, runstore.Update{
		FinalizeStage: &claimed, FinalizeToken: &token, FinalizeClaimedAt: &staleClaim,
	}, runstore.Eq("finalize_stage", runstore.FinalizeUnclaimed))
	require.NoError(t, err)

	r := New(store, engine, objects, cfg, zerolog.Nop())
	require.NoError(t, r.SweepStuckClaimed(ctx))

	run, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, runstore.MoneyStateAuditRequired, run.MoneyState)
	require.NotNil(t, run.ActualCost)
	assert.Equal(t, microsOf(t, "1.0000"), *run.ActualCost, "audit path records the conservative reservation_max_cost bound")
}

func TestSweepStuckClaimedCaseBBeyondReservationTTLMarksAuditRequired(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	objects := objectstorage.NewInMemoryStore()
	cfg := testConfig()
	cfg.TRes = time.Millisecond // force the TTL safety check to trip immediately

	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))
	require.NoError(t, store.Create(ctx, &runstore.Run{
		RunID: "run_1", TenantID: "tenant_1",
		Status: runstore.StatusProcessing, MoneyState: runstore.MoneyStateReserved, FinalizeStage: runstore.FinalizeUnclaimed,
		ReservationMaxCost: microsOf(t, "1.0000"),
	}))
	_, err := engine.Reserve(ctx, "tenant_1", "run_1", microsOf(t, "1.0000"), 0, time.Hour)
	require.NoError(t, err)
	_, err = engine.Settle(ctx, "tenant_1", "run_1", microsOf(t, "0.7500"))
	require.NoError(t, err)

	staleClaim := time.Now().Add(-cfg.TStuck * 2)
	claimed := runstore.FinalizeClaimed
	token := "worker-dead"
	_, _, err = store.CASUpdate(ctx, "run_1", 1, runstore.Update{
		FinalizeStage: &claimed, FinalizeToken: &token, FinalizeClaimedAt: &staleClaim,
	}, runstore.Eq("finalize_stage", runstore.FinalizeUnclaimed))
	require.NoError(t, err)

	r := New(store, engine, objects, cfg, zerolog.Nop())
	require.NoError(t, r.SweepStuckClaimed(ctx))

	run, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, runstore.MoneyStateAuditRequired, run.MoneyState)
}
