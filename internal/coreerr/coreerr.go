// Package coreerr defines the sentinel error taxonomy the core returns
// upward. Only race-class errors are meant to be absorbed silently by
// callers inside the core; everything else propagates.
package coreerr

import "errors"

var (
	// ErrNotFound: no record exists for the given key. Validation-class.
	ErrNotFound = errors.New("coreerr: not found")

	// ErrAlreadyExists: create() called with a run_id that already exists.
	ErrAlreadyExists = errors.New("coreerr: already exists")

	// ErrBudgetExceeded: Capacity-class. reserve() found balance - amount < soft_limit.
	// No state mutation occurs when this is returned.
	ErrBudgetExceeded = errors.New("coreerr: budget exceeded")

	// ErrDuplicateReservation: reserve() called again for the same
	// (tenant, run) with a different amount than the existing reservation.
	ErrDuplicateReservation = errors.New("coreerr: duplicate reservation with different amount")

	// ErrNoReservation: settle()/refund() found no reservation for the run.
	// Race-class: deliberately NOT idempotent. The second caller in a
	// finalize race observes this and must abort silently.
	ErrNoReservation = errors.New("coreerr: no reservation")

	// ErrAlreadyClaimed: claim CAS did not apply because another actor
	// already holds finalize_stage=CLAIMED. Race-class: abort immediately,
	// no side effects.
	ErrAlreadyClaimed = errors.New("coreerr: run already claimed")

	// ErrCASConflict: a cas_update did not apply because the expected
	// version or extra_conditions no longer matched current state. Race-class.
	ErrCASConflict = errors.New("coreerr: compare-and-swap conflict")

	// ErrNotClaimedByActor: an actor attempted to commit without holding the
	// claim it believes it holds (clock skew racing a reconciler override).
	// Integrity-class: log and exit, no retry.
	ErrNotClaimedByActor = errors.New("coreerr: run not claimed by this actor")
)
