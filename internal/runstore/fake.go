package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/money"
)

// FakeStore is an in-process Store used by tests that exercise finalize,
// reconciler, and submission logic without a live Postgres. It applies the
// same CAS semantics as PostgresStore: a cas_update only succeeds when the
// stored version and every extra condition still match.
type FakeStore struct {
	mu         sync.Mutex
	runs       map[string]Run
	softLimits map[string]money.Micros
}

func NewFakeStore() *FakeStore {
	return &FakeStore{runs: make(map[string]Run), softLimits: make(map[string]money.Micros)}
}

// SetTenantSoftLimit configures the soft limit GetTenantSoftLimit returns
// for tenantID; used by tests to exercise the server-side soft-limit path.
func (s *FakeStore) SetTenantSoftLimit(tenantID string, softLimit money.Micros) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.softLimits[tenantID] = softLimit
}

func (s *FakeStore) GetTenantSoftLimit(ctx context.Context, tenantID string) (money.Micros, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.softLimits[tenantID]
	if !ok {
		return 0, coreerr.ErrNotFound
	}
	return v, nil
}

func (s *FakeStore) Create(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return coreerr.ErrAlreadyExists
	}
	now := time.Now()
	run.Version = 1
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.RunID] = *run
	return nil
}

func (s *FakeStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return &run, nil
}

func (s *FakeStore) LookupByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey == "" {
		return nil, coreerr.ErrNotFound
	}
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.IdempotencyKey == idempotencyKey {
			r := run
			return &r, nil
		}
	}
	return nil, coreerr.ErrNotFound
}

func matchesCondition(run Run, c Condition) bool {
	var current interface{}
	switch c.Field {
	case "status":
		current = run.Status
	case "money_state":
		current = run.MoneyState
	case "finalize_stage":
		current = run.FinalizeStage
	case "finalize_token":
		current = run.FinalizeToken
	case "finalize_claimed_at":
		if run.FinalizeClaimedAt == nil {
			return false
		}
		current = *run.FinalizeClaimedAt
	default:
		return false
	}

	switch c.Op {
	case OpLt:
		ta, ok1 := current.(time.Time)
		tb, ok2 := c.Value.(time.Time)
		return ok1 && ok2 && ta.Before(tb)
	default: // OpEq, including zero-value Op
		return current == c.Value
	}
}

func (s *FakeStore) CASUpdate(ctx context.Context, runID string, expectedVersion int64, updates Update, conditions ...Condition) (bool, *Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Version != expectedVersion {
		return false, nil, nil
	}
	for _, c := range conditions {
		if !matchesCondition(run, c) {
			return false, nil, nil
		}
	}

	if updates.Status != nil {
		run.Status = *updates.Status
	}
	if updates.MoneyState != nil {
		run.MoneyState = *updates.MoneyState
	}
	if updates.FinalizeStage != nil {
		run.FinalizeStage = *updates.FinalizeStage
	}
	if updates.FinalizeToken != nil {
		run.FinalizeToken = *updates.FinalizeToken
	}
	if updates.FinalizeClaimedAt != nil {
		run.FinalizeClaimedAt = updates.FinalizeClaimedAt
	}
	if updates.LeaseToken != nil {
		run.LeaseToken = *updates.LeaseToken
	}
	if updates.LeaseExpiresAt != nil {
		run.LeaseExpiresAt = updates.LeaseExpiresAt
	}
	if updates.ActualCost != nil {
		run.ActualCost = updates.ActualCost
	}
	if updates.ResultKey != nil {
		run.ResultKey = *updates.ResultKey
	}
	if updates.ResultHash != nil {
		run.ResultHash = *updates.ResultHash
	}
	if updates.LastErrorReasonCode != nil {
		run.LastErrorReasonCode = *updates.LastErrorReasonCode
	}

	run.Version++
	run.UpdatedAt = time.Now()
	s.runs[runID] = run

	out := run
	return true, &out, nil
}

func (s *FakeStore) ScanStuckClaimed(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var out []Run
	for _, run := range s.runs {
		if run.FinalizeStage == FinalizeClaimed && run.FinalizeClaimedAt != nil && run.FinalizeClaimedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *FakeStore) ScanExpiredLeases(ctx context.Context, now time.Time) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Run
	for _, run := range s.runs {
		if run.Status == StatusProcessing && run.LeaseExpiresAt != nil && run.LeaseExpiresAt.Before(now) {
			out = append(out, run)
		}
	}
	return out, nil
}

var _ Store = (*FakeStore)(nil)
