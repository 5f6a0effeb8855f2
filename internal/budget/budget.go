// Package budget implements the Budget Engine: atomic money operations
// against a fast ledger. Every operation below is ONE atomic script against
// the underlying store — no partial application is ever observable.
package budget

import (
	"context"
	"time"

	"github.com/packrun/coordinator/internal/money"
)

// Reservation is the Budget Engine's short-lived (tenant_id, run_id) ->
// reserved_amount record.
type Reservation struct {
	TenantID  string
	RunID     string
	Amount    money.Micros
	CreatedAt time.Time
}

// Code is the outcome of a Budget Engine operation.
type Code string

const (
	CodeOK              Code = "OK"
	CodeErrInsufficient Code = "ERR_INSUFFICIENT"
	CodeErrDuplicate    Code = "ERR_DUPLICATE"
	CodeErrNoReserve    Code = "ERR_NO_RESERVE"
)

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	Code       Code
	NewBalance money.Micros
}

// SettleResult is the outcome of Settle/Refund.
type SettleResult struct {
	Code       Code
	Charge     money.Micros
	Refund     money.Micros
	NewBalance money.Micros
}

// Engine is the Budget Engine contract. Implementations must execute each
// method as a single atomic script; no caller may observe a partially
// applied reserve/settle/refund.
type Engine interface {
	// Reserve checks balance - amount >= soft_limit. On success it
	// decrements balance and creates a reservation with TTL resTTL.
	// Idempotent for a repeat call with the identical amount; returns
	// CodeErrDuplicate for a repeat call with a different amount.
	Reserve(ctx context.Context, tenantID, runID string, amount money.Micros, softLimit money.Micros, resTTL time.Duration) (ReserveResult, error)

	// Settle requires a reservation to exist. charge = min(actual, reserved),
	// refund = reserved - charge; credits balance by refund and deletes the
	// reservation. Deliberately NOT idempotent: a second caller gets
	// CodeErrNoReserve. This is the race detector for concurrent finalize
	// attempts — never make this idempotent.
	Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (SettleResult, error)

	// Refund is semantically settle(minimumFee); kept as a distinct method
	// name because callers use it to express a different intent (failure
	// path rather than success path).
	Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (SettleResult, error)

	// GetReservation is a read-only lookup; nil, nil means "no reservation".
	GetReservation(ctx context.Context, tenantID, runID string) (*Reservation, error)

	// Balance is a read-only lookup of the current balance.
	Balance(ctx context.Context, tenantID string) (money.Micros, error)
}
