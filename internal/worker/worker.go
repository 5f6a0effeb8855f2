// Package worker implements the Worker actor: it dequeues dispatch
// messages, acquires the visibility lease on the target run, hands the
// pack spec to an Executor, and drives the Finalize Protocol to a terminal
// state. The core is deliberately blind to what an Executor actually does —
// it only consumes a result blob, a hash, and a cost estimate.
package worker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/finalize"
	"github.com/packrun/coordinator/internal/metrics"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/objectstorage"
	"github.com/packrun/coordinator/internal/queue"
	"github.com/packrun/coordinator/internal/runstore"
)

// Result is what an Executor hands back: a result blob and the cost
// estimate the worker must record before/at upload.
type Result struct {
	Data       []byte
	ActualCost money.Micros
}

// Executor runs a pack spec to completion. The URL fetcher, renderer, and
// every other real executor live outside this module; Executor is the seam.
type Executor interface {
	Execute(ctx context.Context, packSpec string) (Result, error)
}

// StubExecutor stands in for the real pack executors this module never
// implements (see package doc). It deterministically "succeeds" every pack
// spec with a small fixed-cost result, which is enough to drive the full
// submission -> dispatch -> finalize lifecycle end to end.
type StubExecutor struct{}

func (StubExecutor) Execute(ctx context.Context, packSpec string) (Result, error) {
	return Result{
		Data:       []byte("executed: " + packSpec),
		ActualCost: money.Micros(100_0000), // flat 1.0000 placeholder cost
	}, nil
}

// Worker drains a Queue and drives each message to a terminal run state.
type Worker struct {
	id       string
	store    runstore.Store
	engine   budget.Engine
	queue    queue.Queue
	objects  objectstorage.Store
	protocol *finalize.Protocol
	executor Executor
	cfg      config.Config
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(store runstore.Store, engine budget.Engine, q queue.Queue, objects objectstorage.Store, executor Executor, cfg config.Config, logger zerolog.Logger) *Worker {
	id := "worker-" + uuid.New().String()
	return &Worker{
		id:       id,
		store:    store,
		engine:   engine,
		queue:    q,
		objects:  objects,
		protocol: finalize.New(store, engine, logger),
		executor: executor,
		cfg:      cfg,
		log:      logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// Run blocks, dequeuing and processing messages one at a time, until ctx is
// cancelled. A production deployment runs many Worker instances concurrently
// against the same queue and run store; this type holds no shared state
// across instances beyond what the queue and store already serialize.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			w.log.Error().Err(err).Msg("dequeue failed")
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle acquires the visibility lease, executes the pack, and finalizes.
// Any failure to acquire the lease means another worker got there first or
// the reconciler already moved the run past PROCESSING; this is an ordinary
// race, not an error.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	ioCtx, cancel := context.WithTimeout(ctx, w.cfg.IOTimeout)
	run, err := w.store.Load(ioCtx, msg.RunID)
	cancel()
	if err != nil {
		w.log.Error().Err(err).Str("run_id", msg.RunID).Msg("load failed")
		return
	}

	leaseTTL := time.Duration(msg.LeaseTTLSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = w.cfg.LeaseTTL
	}
	expiresAt := time.Now().Add(leaseTTL)
	status := runstore.StatusProcessing

	ioCtx, cancel = context.WithTimeout(ctx, w.cfg.IOTimeout)
	applied, _, err := w.store.CASUpdate(ioCtx, run.RunID, run.Version, runstore.Update{
		Status:         &status,
		LeaseToken:     &w.id,
		LeaseExpiresAt: &expiresAt,
	}, runstore.Eq("status", runstore.StatusQueued))
	cancel()
	if err != nil {
		w.log.Error().Err(err).Str("run_id", run.RunID).Msg("lease acquisition failed")
		return
	}
	if !applied {
		w.log.Warn().Str("run_id", run.RunID).Msg("lease already taken, skipping")
		return
	}

	result, execErr := w.executor.Execute(ctx, msg.PackSpec)
	if execErr != nil {
		w.log.Warn().Err(execErr).Str("run_id", run.RunID).Msg("execution failed, running failure-path finalize")
		if err := w.protocol.RunFailure(ctx, run.RunID, w.id, runstore.StatusFailed, w.cfg.DefaultMinimumFeeMicros); err != nil {
			w.log.Error().Err(err).Str("run_id", run.RunID).Msg("failure-path finalize errored")
		}
		w.observe("execution_failed")
		return
	}

	resultKey := fmt.Sprintf("results/%s", run.RunID)
	hash := fmt.Sprintf("%x", sha256.Sum256(result.Data))

	ioCtx, cancel = context.WithTimeout(ctx, w.cfg.IOTimeout)
	uploadErr := w.objects.Upload(ioCtx, run.RunID, result.Data, objectstorage.Metadata{
		SizeBytes:  int64(len(result.Data)),
		Hash:       hash,
		ActualCost: result.ActualCost,
	})
	cancel()
	if uploadErr != nil {
		w.log.Warn().Err(uploadErr).Str("run_id", run.RunID).Msg("upload failed, running failure-path finalize")
		if err := w.protocol.RunFailure(ctx, run.RunID, w.id, runstore.StatusFailed, w.cfg.DefaultMinimumFeeMicros); err != nil {
			w.log.Error().Err(err).Str("run_id", run.RunID).Msg("failure-path finalize errored")
		}
		w.observe("upload_failed")
		return
	}

	if err := w.protocol.RunSuccess(ctx, run.RunID, w.id, resultKey, hash, result.ActualCost); err != nil {
		w.log.Error().Err(err).Str("run_id", run.RunID).Msg("success-path finalize errored")
		w.observe("finalize_error")
		return
	}
	w.observe("completed")
}

func (w *Worker) observe(outcome string) {
	if w.metrics != nil {
		w.metrics.RunsProcessed.WithLabelValues(outcome).Inc()
	}
}
