package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/money"
)

// PostgresStore is the production Store backed by a single-row-atomic
// relational database, reached through database/sql + lib/pq exactly as the
// teacher's ledger.go reaches Postgres (connection pool tuned the same way,
// same driver import style).
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore opens a connection pool against postgresURL and verifies
// connectivity before returning.
func NewPostgresStore(postgresURL string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("runstore: open postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("runstore: ping postgres: %w", err)
	}

	return &PostgresStore{db: db, log: logger.With().Str("component", "runstore").Logger()}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB, used by tests that
// inject a sqlmock-backed DB.
func NewPostgresStoreFromDB(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger.With().Str("component", "runstore").Logger()}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection pool for admin tooling that needs
// read-only ad hoc queries (listing, filtering) beyond the Store interface.
func (s *PostgresStore) DB() *sql.DB { return s.db }

const runColumns = `run_id, tenant_id, idempotency_key, version, status, money_state, finalize_stage,
	finalize_token, finalize_claimed_at, lease_token, lease_expires_at,
	reservation_max_cost_micros, actual_cost_micros, minimum_fee_micros,
	result_key, result_hash, last_error_reason_code, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var r Run
	var idempotencyKey sql.NullString
	var finalizeClaimedAt, leaseExpiresAt sql.NullTime
	var actualCost sql.NullInt64

	err := row.Scan(
		&r.RunID, &r.TenantID, &idempotencyKey, &r.Version, &r.Status, &r.MoneyState, &r.FinalizeStage,
		&r.FinalizeToken, &finalizeClaimedAt, &r.LeaseToken, &leaseExpiresAt,
		&r.ReservationMaxCost, &actualCost, &r.MinimumFee,
		&r.ResultKey, &r.ResultHash, &r.LastErrorReasonCode, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.IdempotencyKey = idempotencyKey.String
	if finalizeClaimedAt.Valid {
		t := finalizeClaimedAt.Time
		r.FinalizeClaimedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		r.LeaseExpiresAt = &t
	}
	if actualCost.Valid {
		v := money.Micros(actualCost.Int64)
		r.ActualCost = &v
	}
	return &r, nil
}

func (s *PostgresStore) Create(ctx context.Context, run *Run) error {
	var idempotencyKey interface{}
	if run.IdempotencyKey != "" {
		idempotencyKey = run.IdempotencyKey
	}

	run.Version = 1
	query := `INSERT INTO runs (
		run_id, tenant_id, idempotency_key, version, status, money_state, finalize_stage,
		finalize_token, lease_token, reservation_max_cost_micros, minimum_fee_micros,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,'','',$8,$9, now(), now())`

	_, err := s.db.ExecContext(ctx, query,
		run.RunID, run.TenantID, idempotencyKey, run.Version, run.Status, run.MoneyState, run.FinalizeStage,
		int64(run.ReservationMaxCost), int64(run.MinimumFee),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coreerr.ErrAlreadyExists
		}
		return fmt.Errorf("runstore: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) LookupByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*Run, error) {
	if idempotencyKey == "" {
		return nil, coreerr.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, idempotencyKey)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: lookup by idempotency key: %w", err)
	}
	return r, nil
}

// columnFor maps a Condition.Field name to its SQL column; identical names
// today, kept as a seam so the wire vocabulary and the storage vocabulary
// (SQL column names) can diverge without touching callers.
func columnFor(field string) string { return field }

func (s *PostgresStore) CASUpdate(ctx context.Context, runID string, expectedVersion int64, updates Update, conditions ...Condition) (bool, *Run, error) {
	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if updates.Status != nil {
		add("status", *updates.Status)
	}
	if updates.MoneyState != nil {
		add("money_state", *updates.MoneyState)
	}
	if updates.FinalizeStage != nil {
		add("finalize_stage", *updates.FinalizeStage)
	}
	if updates.FinalizeToken != nil {
		add("finalize_token", *updates.FinalizeToken)
	}
	if updates.FinalizeClaimedAt != nil {
		add("finalize_claimed_at", *updates.FinalizeClaimedAt)
	}
	if updates.LeaseToken != nil {
		add("lease_token", *updates.LeaseToken)
	}
	if updates.LeaseExpiresAt != nil {
		add("lease_expires_at", *updates.LeaseExpiresAt)
	}
	if updates.ActualCost != nil {
		add("actual_cost_micros", int64(*updates.ActualCost))
	}
	if updates.ResultKey != nil {
		add("result_key", *updates.ResultKey)
	}
	if updates.ResultHash != nil {
		add("result_hash", *updates.ResultHash)
	}
	if updates.LastErrorReasonCode != nil {
		add("last_error_reason_code", *updates.LastErrorReasonCode)
	}

	sets = append(sets, "version = version + 1", "updated_at = now()")

	var where []string
	args = append(args, runID)
	where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	args = append(args, expectedVersion)
	where = append(where, fmt.Sprintf("version = $%d", len(args)))

	for _, c := range conditions {
		args = append(args, c.Value)
		op := string(c.Op)
		if op == "" {
			op = "="
		}
		where = append(where, fmt.Sprintf("%s %s $%d", columnFor(c.Field), op, len(args)))
	}

	query := fmt.Sprintf(
		`UPDATE runs SET %s WHERE %s RETURNING `+runColumns,
		strings.Join(sets, ", "), strings.Join(where, " AND "),
	)

	row := s.db.QueryRowContext(ctx, query, args...)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("runstore: cas_update: %w", err)
	}
	return true, r, nil
}

func (s *PostgresStore) GetTenantSoftLimit(ctx context.Context, tenantID string) (money.Micros, error) {
	var softLimit int64
	err := s.db.QueryRowContext(ctx, `SELECT soft_limit_micros FROM tenants WHERE tenant_id = $1`, tenantID).Scan(&softLimit)
	if err == sql.ErrNoRows {
		return 0, coreerr.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("runstore: get_tenant_soft_limit: %w", err)
	}
	return money.Micros(softLimit), nil
}

func (s *PostgresStore) ScanStuckClaimed(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE finalize_stage = $1 AND finalize_claimed_at < $2`,
		FinalizeClaimed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("runstore: scan_stuck_claimed: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) ScanExpiredLeases(ctx context.Context, now time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND lease_expires_at < $2`,
		StatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("runstore: scan_expired_leases: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runstore: scan row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// lib/pq surfaces unique_violation as a *pq.Error with SQLSTATE 23505;
	// its Error() text does not contain the code, so the code field is
	// checked. Other errors match when their text carries the code.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
