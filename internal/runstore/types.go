// Package runstore implements the authoritative, linearizable log of Run
// records. cas_update is the only mutation primitive after creation; every
// higher-level transition composes one or more CAS operations with external
// side effects between them.
package runstore

import (
	"time"

	"github.com/packrun/coordinator/internal/money"
)

// Status is the lifecycle state of a Run, using its exact wire values.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// MoneyState is the ledger state of a Run, using its exact wire values.
type MoneyState string

const (
	MoneyStateNone          MoneyState = "NONE"
	MoneyStateReserved      MoneyState = "RESERVED"
	MoneyStateSettled       MoneyState = "SETTLED"
	MoneyStateRefunded      MoneyState = "REFUNDED"
	MoneyStateAuditRequired MoneyState = "AUDIT_REQUIRED"
)

// FinalizeStage is the two-phase handshake state of a Run, using its exact wire values.
type FinalizeStage string

const (
	FinalizeUnclaimed FinalizeStage = "UNCLAIMED"
	FinalizeClaimed   FinalizeStage = "CLAIMED"
	FinalizeCommitted FinalizeStage = "COMMITTED"
)

// Run is a single asynchronous job.
type Run struct {
	RunID          string
	TenantID       string
	IdempotencyKey string // empty means "no idempotency key"

	Version int64

	Status        Status
	MoneyState    MoneyState
	FinalizeStage FinalizeStage

	FinalizeToken     string
	FinalizeClaimedAt *time.Time

	LeaseToken     string
	LeaseExpiresAt *time.Time

	ReservationMaxCost money.Micros
	ActualCost         *money.Micros
	MinimumFee         money.Micros

	ResultKey  string
	ResultHash string

	LastErrorReasonCode string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update describes a partial field update applied by CASUpdate. Only
// non-nil/explicitly-set fields are written; pointer fields make the set of
// column assignments explicit in Go rather than a map[string]interface{}.
type Update struct {
	Status        *Status
	MoneyState    *MoneyState
	FinalizeStage *FinalizeStage

	FinalizeToken     *string
	FinalizeClaimedAt *time.Time

	LeaseToken     *string
	LeaseExpiresAt *time.Time

	ActualCost *money.Micros

	ResultKey  *string
	ResultHash *string

	LastErrorReasonCode *string
}

// Op is a comparison operator for an extra CAS condition.
type Op string

const (
	OpEq Op = "="
	OpLt Op = "<"
)

// Condition is one arbitrary predicate evaluated against the row's current
// state as part of a cas_update, alongside the mandatory version check. Most
// conditions are equality; the reconciler's stuck-claim re-claim
// additionally needs "finalize_claimed_at < cutoff", hence the explicit Op
// rather than bare equality.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Eq is a convenience constructor for an equality Condition.
func Eq(field string, value interface{}) Condition { return Condition{Field: field, Op: OpEq, Value: value} }

// Lt is a convenience constructor for a less-than Condition.
func Lt(field string, value interface{}) Condition { return Condition{Field: field, Op: OpLt, Value: value} }
