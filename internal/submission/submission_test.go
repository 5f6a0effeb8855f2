package submission

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
	"github.com/packrun/coordinator/internal/queue"
	"github.com/packrun/coordinator/internal/runstore"
)

func microsOf(t *testing.T, s string) money.Micros {
	t.Helper()
	m, err := money.ParseDecimalString(s)
	require.NoError(t, err)
	return m
}

func testConfig() config.Config {
	return config.Config{
		SweepPeriod: time.Second,
		TStuck:      10 * time.Second,
		LeaseTTL:    20 * time.Second,
		TRes:        5 * time.Minute,
		IOTimeout:   time.Millisecond,
	}
}

func newHarness(t *testing.T) (*Path, *runstore.FakeStore, *budget.FakeEngine, *queue.InMemoryQueue) {
	t.Helper()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	q := queue.NewInMemoryQueue(10)
	return New(store, engine, q, testConfig(), zerolog.Nop()), store, engine, q
}

func TestSubmitHappyPath(t *testing.T) {
	ctx := context.Background()
	p, store, engine, q := newHarness(t)
	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))

	runID, err := p.Submit(ctx, Request{TenantID: "tenant_1", PackSpec: "fetch:example.com", MaxCost: microsOf(t, "1.5000")})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	run, err := store.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusQueued, run.Status)
	assert.Equal(t, runstore.MoneyStateReserved, run.MoneyState)

	balance, err := engine.Balance(ctx, "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, microsOf(t, "8.5000"), balance)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, msg.RunID)
}

func TestSubmitRejectsInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	p, store, engine, _ := newHarness(t)
	engine.SeedBalance("tenant_1", microsOf(t, "0.0500"))

	_, err := p.Submit(ctx, Request{TenantID: "tenant_1", PackSpec: "fetch:example.com", MaxCost: microsOf(t, "1.0000"), IdempotencyKey: "key-rejected"})
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	balance, err := engine.Balance(ctx, "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, microsOf(t, "0.0500"), balance, "a rejected submission must not move the balance")

	_, err = store.LookupByIdempotencyKey(ctx, "tenant_1", "key-rejected")
	assert.Error(t, err, "no run should exist for a rejected submission")
}

func TestSubmitReplaysIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	p, _, engine, _ := newHarness(t)
	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))

	first, err := p.Submit(ctx, Request{TenantID: "tenant_1", PackSpec: "fetch:example.com", MaxCost: microsOf(t, "1.0000"), IdempotencyKey: "key-1"})
	require.NoError(t, err)

	second, err := p.Submit(ctx, Request{TenantID: "tenant_1", PackSpec: "fetch:example.com", MaxCost: microsOf(t, "1.0000"), IdempotencyKey: "key-1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)

	balance, err := engine.Balance(ctx, "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, microsOf(t, "9.0000"), balance, "replay must not reserve a second time")
}

func TestSubmitCompensatesOnEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	engine.SeedBalance("tenant_1", microsOf(t, "10.0000"))

	failingQueue := failingEnqueueQueue{}
	p := New(store, engine, failingQueue, testConfig(), zerolog.Nop())

	_, err := p.Submit(ctx, Request{TenantID: "tenant_1", PackSpec: "fetch:example.com", MaxCost: microsOf(t, "1.5000")})
	require.Error(t, err)

	balance, err := engine.Balance(ctx, "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, microsOf(t, "10.0000"), balance, "a compensating refund must restore the full reservation")
}

type failingEnqueueQueue struct{}

func (failingEnqueueQueue) Enqueue(ctx context.Context, msg queue.Message) error {
	return assert.AnError
}

func (failingEnqueueQueue) Dequeue(ctx context.Context) (queue.Message, error) {
	return queue.Message{}, queue.ErrEmpty
}
