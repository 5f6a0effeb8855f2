package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/metrics"
	"github.com/packrun/coordinator/internal/money"
)

// AuditEntry is one row written to the durable ledger_transactions audit
// mirror.
type AuditEntry struct {
	ID        string
	TenantID  string
	RunID     string
	TxType    string // "reserve" | "settle" | "refund"
	Amount    money.Micros
	CreatedAt time.Time
}

// AuditWriter durably records a Budget Engine operation. Implementations
// must be safe to call from the async write-behind worker.
type AuditWriter interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// NoopAuditWriter discards entries; used where no durable mirror is wired.
type NoopAuditWriter struct{}

func (NoopAuditWriter) Record(context.Context, AuditEntry) error { return nil }

// RedisEngine is the production Budget Engine: a single-row-atomic fast
// ledger implemented with pre-compiled Lua scripts so each operation
// executes as one atomic round-trip, scripts loaded once at startup.
//
// Balance and reservations live ONLY in Redis; Postgres never backs a read
// that feeds a Budget Engine decision. The async audit write-behind queue
// is write-only and never read back into the hot path.
type RedisEngine struct {
	rdb     *redis.Client
	log     zerolog.Logger
	metrics *metrics.Metrics

	reserveScript *redis.Script
	settleScript  *redis.Script

	audit      AuditWriter
	writeQueue chan AuditEntry
	wg         sync.WaitGroup
}

// WithMetrics attaches a metrics bundle; reserve/settle/refund outcomes are
// then counted by code. Optional.
func (e *RedisEngine) WithMetrics(m *metrics.Metrics) *RedisEngine {
	e.metrics = m
	return e
}

// NewRedisEngine connects to Redis and loads the Lua scripts. numAuditWorkers
// sizes the async write-behind worker pool.
func NewRedisEngine(addr, password string, logger zerolog.Logger, audit AuditWriter, numAuditWorkers int) (*RedisEngine, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,

		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,

		PoolSize:     100,
		MinIdleConns: 25,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("budget: redis ping: %w", err)
	}

	if audit == nil {
		audit = NoopAuditWriter{}
	}

	e := &RedisEngine{
		rdb:        rdb,
		log:        logger.With().Str("component", "budget").Logger(),
		audit:      audit,
		writeQueue: make(chan AuditEntry, 10000),
	}
	e.loadScripts()

	if numAuditWorkers <= 0 {
		numAuditWorkers = 4
	}
	e.wg.Add(numAuditWorkers)
	for i := 0; i < numAuditWorkers; i++ {
		go e.auditWorker(i)
	}

	return e, nil
}

// NewRedisEngineFromClient wraps an already-configured *redis.Client; used
// by tests that point at a real or embedded Redis instance.
func NewRedisEngineFromClient(rdb *redis.Client, logger zerolog.Logger, audit AuditWriter) *RedisEngine {
	if audit == nil {
		audit = NoopAuditWriter{}
	}
	e := &RedisEngine{
		rdb:        rdb,
		log:        logger.With().Str("component", "budget").Logger(),
		audit:      audit,
		writeQueue: make(chan AuditEntry, 1000),
	}
	e.loadScripts()
	e.wg.Add(1)
	go e.auditWorker(0)
	return e
}

func (e *RedisEngine) Close() error {
	close(e.writeQueue)
	e.wg.Wait()
	return e.rdb.Close()
}

func balanceKey(tenantID string) string     { return fmt.Sprintf("tenant:balance:%s", tenantID) }
func reservationKey(tenantID, runID string) string {
	return fmt.Sprintf("tenant:reservation:%s:%s", tenantID, runID)
}

// loadScripts compiles the Lua scripts once at startup. Each script is the
// entire atomic unit for its operation: read, decide, write, all inside
// Redis.
func (e *RedisEngine) loadScripts() {
	// KEYS[1] = balance key, KEYS[2] = reservation key
	// ARGV[1] = amount, ARGV[2] = soft_limit, ARGV[3] = ttl_seconds, ARGV[4] = now_unix
	e.reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local soft_limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = ARGV[4]

local existing = redis.call('HGET', KEYS[2], 'amount')
if existing then
    if tonumber(existing) == amount then
        return {'OK', balance, '0'}
    end
    return {'ERR_DUPLICATE', balance, '0'}
end

local available = balance - amount
if available < soft_limit then
    return {'ERR_INSUFFICIENT', balance, '0'}
end

local new_balance = balance - amount
redis.call('SET', KEYS[1], new_balance)
redis.call('HSET', KEYS[2], 'amount', amount, 'created_at', now)
redis.call('EXPIRE', KEYS[2], ttl)
return {'OK', new_balance, '0'}
`)

	// KEYS[1] = balance key, KEYS[2] = reservation key
	// ARGV[1] = actual_amount (settle) or minimum_fee (refund, same script)
	e.settleScript = redis.NewScript(`
local reserved_raw = redis.call('HGET', KEYS[2], 'amount')
if not reserved_raw then
    return {'ERR_NO_RESERVE', '0', '0', '0'}
end
local reserved = tonumber(reserved_raw)
local actual = tonumber(ARGV[1])

local charge = actual
if charge > reserved then
    charge = reserved
end
local refund = reserved - charge

local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local new_balance = balance + refund
redis.call('SET', KEYS[1], new_balance)
redis.call('DEL', KEYS[2])

return {'OK', tostring(charge), tostring(refund), tostring(new_balance)}
`)
}

func (e *RedisEngine) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros, softLimit money.Micros, resTTL time.Duration) (ReserveResult, error) {
	res, err := e.reserveScript.Run(ctx, e.rdb,
		[]string{balanceKey(tenantID), reservationKey(tenantID, runID)},
		int64(amount), int64(softLimit), int(resTTL.Seconds()), time.Now().Unix(),
	).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("budget: reserve script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return ReserveResult{}, fmt.Errorf("budget: reserve script: unexpected result shape")
	}
	code := Code(arr[0].(string))
	balance := parseInt64(arr[1])

	result := ReserveResult{Code: code, NewBalance: money.Micros(balance)}

	if e.metrics != nil {
		e.metrics.ReserveTotal.WithLabelValues(string(code)).Inc()
	}
	if code == CodeOK {
		e.enqueueAudit(AuditEntry{ID: uuid.New().String(), TenantID: tenantID, RunID: runID, TxType: "reserve", Amount: amount, CreatedAt: time.Now()})
		e.log.Info().Str("tenant_id", tenantID).Str("run_id", runID).Str("amount", amount.String()).Msg("reserve ok")
	} else {
		e.log.Warn().Str("tenant_id", tenantID).Str("run_id", runID).Str("code", string(code)).Msg("reserve rejected")
	}

	return result, nil
}

func (e *RedisEngine) doSettle(ctx context.Context, tenantID, runID, txType string, amount money.Micros) (SettleResult, error) {
	res, err := e.settleScript.Run(ctx, e.rdb,
		[]string{balanceKey(tenantID), reservationKey(tenantID, runID)},
		int64(amount),
	).Result()
	if err != nil {
		return SettleResult{}, fmt.Errorf("budget: settle script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 4 {
		return SettleResult{}, fmt.Errorf("budget: settle script: unexpected result shape")
	}
	code := Code(arr[0].(string))

	var counter *prometheus.CounterVec
	if e.metrics != nil {
		counter = e.metrics.SettleTotal
		if txType == "refund" {
			counter = e.metrics.RefundTotal
		}
	}

	if code == CodeErrNoReserve {
		// Race-class: the second finalize attempt lands here. Deliberately
		// not idempotent — this is the race detector.
		if e.metrics != nil {
			counter.WithLabelValues(string(code)).Inc()
		}
		e.log.Warn().Str("tenant_id", tenantID).Str("run_id", runID).Msg("settle found no reservation (race, expected)")
		return SettleResult{Code: code}, nil
	}

	charge := money.Micros(parseInt64FromString(arr[1]))
	refund := money.Micros(parseInt64FromString(arr[2]))
	newBalance := money.Micros(parseInt64FromString(arr[3]))

	if e.metrics != nil {
		counter.WithLabelValues(string(code)).Inc()
	}
	e.enqueueAudit(AuditEntry{ID: uuid.New().String(), TenantID: tenantID, RunID: runID, TxType: txType, Amount: charge, CreatedAt: time.Now()})
	e.log.Info().Str("tenant_id", tenantID).Str("run_id", runID).
		Str("charge", charge.String()).Str("refund", refund.String()).Msg(txType + " ok")

	return SettleResult{Code: CodeOK, Charge: charge, Refund: refund, NewBalance: newBalance}, nil
}

func (e *RedisEngine) Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (SettleResult, error) {
	return e.doSettle(ctx, tenantID, runID, "settle", actual)
}

func (e *RedisEngine) Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (SettleResult, error) {
	return e.doSettle(ctx, tenantID, runID, "refund", minimumFee)
}

func (e *RedisEngine) GetReservation(ctx context.Context, tenantID, runID string) (*Reservation, error) {
	vals, err := e.rdb.HGetAll(ctx, reservationKey(tenantID, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("budget: get_reservation: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	// amount is stored as a raw integer string, not a decimal string.
	var n int64
	fmt.Sscanf(vals["amount"], "%d", &n)
	// created_at is the Unix-seconds timestamp the reserve script stored.
	var createdUnix int64
	fmt.Sscanf(vals["created_at"], "%d", &createdUnix)
	var createdAt time.Time
	if createdUnix > 0 {
		createdAt = time.Unix(createdUnix, 0)
	}
	return &Reservation{TenantID: tenantID, RunID: runID, Amount: money.Micros(n), CreatedAt: createdAt}, nil
}

func (e *RedisEngine) Balance(ctx context.Context, tenantID string) (money.Micros, error) {
	v, err := e.rdb.Get(ctx, balanceKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: balance: %w", err)
	}
	return money.Micros(v), nil
}

// SeedBalance sets a tenant's starting balance; used by out-of-band tenant
// onboarding and by cmd/seeder.
func (e *RedisEngine) SeedBalance(ctx context.Context, tenantID string, balance money.Micros) error {
	return e.rdb.Set(ctx, balanceKey(tenantID), int64(balance), 0).Err()
}

func (e *RedisEngine) enqueueAudit(entry AuditEntry) {
	select {
	case e.writeQueue <- entry:
	default:
		e.log.Warn().Msg("audit write queue full, dropping entry")
	}
}

// auditWorker drains the write-behind queue with retry/backoff.
func (e *RedisEngine) auditWorker(id int) {
	defer e.wg.Done()
	logger := e.log.With().Int("worker_id", id).Logger()

	for entry := range e.writeQueue {
		backoff := 100 * time.Millisecond
		for attempt := 1; attempt <= 5; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := e.audit.Record(ctx, entry)
			cancel()
			if err == nil {
				break
			}
			if attempt == 5 {
				logger.Error().Err(err).Str("tx_type", entry.TxType).Msg("audit write failed after all retries")
				break
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("audit write failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
		}
	}
}

func parseInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		return parseInt64FromString(t)
	default:
		return 0
	}
}

func parseInt64FromString(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
