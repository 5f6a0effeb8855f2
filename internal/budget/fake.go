package budget

import (
	"context"
	"sync"
	"time"

	"github.com/packrun/coordinator/internal/money"
)

// FakeEngine is an in-process Engine used by tests that exercise Budget
// Engine business semantics without a live Redis instance. It reproduces the
// same non-idempotent-settle and duplicate-reserve behavior as RedisEngine,
// guarded by a single mutex rather than Lua script atomicity.
type FakeEngine struct {
	mu           sync.Mutex
	balances     map[string]money.Micros
	reservations map[string]Reservation
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		balances:     make(map[string]money.Micros),
		reservations: make(map[string]Reservation),
	}
}

func resKey(tenantID, runID string) string { return tenantID + "/" + runID }

func (f *FakeEngine) SeedBalance(tenantID string, balance money.Micros) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[tenantID] = balance
}

func (f *FakeEngine) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros, softLimit money.Micros, resTTL time.Duration) (ReserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := resKey(tenantID, runID)
	balance := f.balances[tenantID]

	if existing, ok := f.reservations[key]; ok {
		if existing.Amount == amount {
			return ReserveResult{Code: CodeOK, NewBalance: balance}, nil
		}
		return ReserveResult{Code: CodeErrDuplicate, NewBalance: balance}, nil
	}

	if balance-amount < softLimit {
		return ReserveResult{Code: CodeErrInsufficient, NewBalance: balance}, nil
	}

	newBalance := balance - amount
	f.balances[tenantID] = newBalance
	f.reservations[key] = Reservation{TenantID: tenantID, RunID: runID, Amount: amount, CreatedAt: time.Now()}

	return ReserveResult{Code: CodeOK, NewBalance: newBalance}, nil
}

func (f *FakeEngine) doSettle(tenantID, runID string, amount money.Micros) (SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := resKey(tenantID, runID)
	reservation, ok := f.reservations[key]
	if !ok {
		return SettleResult{Code: CodeErrNoReserve}, nil
	}

	charge := amount
	if charge > reservation.Amount {
		charge = reservation.Amount
	}
	refund := reservation.Amount - charge

	newBalance := f.balances[tenantID] + refund
	f.balances[tenantID] = newBalance
	delete(f.reservations, key)

	return SettleResult{Code: CodeOK, Charge: charge, Refund: refund, NewBalance: newBalance}, nil
}

func (f *FakeEngine) Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (SettleResult, error) {
	return f.doSettle(tenantID, runID, actual)
}

func (f *FakeEngine) Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (SettleResult, error) {
	return f.doSettle(tenantID, runID, minimumFee)
}

func (f *FakeEngine) GetReservation(ctx context.Context, tenantID, runID string) (*Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[resKey(tenantID, runID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *FakeEngine) Balance(ctx context.Context, tenantID string) (money.Micros, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[tenantID], nil
}

var _ Engine = (*FakeEngine)(nil)
