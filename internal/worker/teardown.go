// Package worker runs the teardown reaper: the only component that moves
// labs out of ENDING. It claims small batches under row locks, destroys
// the backing resources, and records the terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/observability"
	"github.com/octolab/octolab/internal/runtime"
)

// Defaults mirror the configuration defaults.
const (
	DefaultInterval   = 5 * time.Second
	DefaultBatchSize  = 3
	DefaultLabTimeout = 600 * time.Second
)

// FailureTeardownTimeout is the recorded reason when a single lab's
// teardown exceeds its budget.
const FailureTeardownTimeout = "teardown_timeout"

// Batch is a claimed, row-locked set of ENDING labs.
type Batch interface {
	Labs() []*domain.Lab
	MarkFinished(ctx context.Context, labID string, evidence domain.EvidenceState, finalizedAt time.Time) error
	MarkFailed(ctx context.Context, labID, reason string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Source claims work and performs the bulk status sweeps.
type Source interface {
	ClaimTeardownBatch(ctx context.Context, batchSize int) (Batch, error)
	MarkExpiredLabsEnding(ctx context.Context, now time.Time) (int64, error)
	MarkStaleLabsEnding(ctx context.Context) (int64, error)
}

// Selector resolves the runtime a lab was provisioned with.
type Selector interface {
	Get(name domain.RuntimeName) (runtime.Runtime, error)
}

// Evidence finalizes a lab's artifact directory. Optional.
type Evidence interface {
	Finalize(ctx context.Context, labID string) domain.EvidenceState
	Remove(labID string) error
}

// Options configures the worker.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	LabTimeout  time.Duration
	StartupTick bool
}

// Worker is the reaper loop.
type Worker struct {
	source   Source
	selector Selector
	evidence Evidence
	opts     Options
}

func New(source Source, selector Selector, evidence Evidence, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LabTimeout <= 0 {
		opts.LabTimeout = DefaultLabTimeout
	}
	return &Worker{source: source, selector: selector, evidence: evidence, opts: opts}
}

// Run blocks until ctx is cancelled. On startup it reconciles state left
// by a previous process: labs stuck mid-provision go ENDING, and expired
// labs are swept before the first tick.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.source.MarkStaleLabsEnding(ctx); err != nil {
		logging.Op().Error("startup reconciliation failed", "error", err)
	} else if n > 0 {
		logging.Op().Info("stale labs marked for teardown", "count", n)
	}
	w.sweepExpired(ctx)

	if w.opts.StartupTick {
		w.Tick(ctx)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("teardown worker stopped")
			return
		case <-ticker.C:
			w.sweepExpired(ctx)
			w.Tick(ctx)
		}
	}
}

func (w *Worker) sweepExpired(ctx context.Context) {
	n, err := w.source.MarkExpiredLabsEnding(ctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			logging.Op().Error("expiry sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		logging.Op().Info("expired labs marked for teardown", "count", n)
	}
}

// Tick claims and processes one batch. Cancellation mid-batch commits the
// labs already processed; unprocessed labs stay ENDING for the next tick.
func (w *Worker) Tick(ctx context.Context) {
	metrics.Global().RecordTeardownTick()

	batch, err := w.source.ClaimTeardownBatch(ctx, w.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logging.Op().Error("claiming teardown batch failed", "error", err)
		}
		return
	}
	labs := batch.Labs()
	if len(labs) == 0 {
		_ = batch.Rollback(ctx)
		return
	}

	for _, lab := range labs {
		if ctx.Err() != nil {
			break
		}
		w.teardownOne(ctx, batch, lab)
	}

	// Commit even when cancelled: terminal statuses already recorded must
	// survive, and rows not reached stay ENDING because they were never
	// updated.
	if err := batch.Commit(context.WithoutCancel(ctx)); err != nil {
		logging.Op().Error("committing teardown batch failed", "error", err)
	}
}

func (w *Worker) teardownOne(ctx context.Context, batch Batch, lab *domain.Lab) {
	spanCtx, span := observability.StartSpan(ctx, "worker.teardownOne")
	defer span.End()

	rt, err := w.selector.Get(lab.Runtime)
	if err != nil {
		logging.Op().Error("lab has unknown runtime", "lab_id", lab.ID, "runtime", string(lab.Runtime))
		w.markFailed(spanCtx, batch, lab, err)
		return
	}

	start := time.Now()
	destroyCtx, cancel := context.WithTimeout(spanCtx, w.opts.LabTimeout)
	err = rt.DestroyLab(destroyCtx, lab)
	cancel()

	switch {
	case err == nil:
		state := domain.EvidenceUnavailable
		finalizedAt := time.Now().UTC()
		if w.evidence != nil {
			state = w.evidence.Finalize(spanCtx, lab.ID)
			_ = w.evidence.Remove(lab.ID)
		}
		if err := batch.MarkFinished(spanCtx, lab.ID, state, finalizedAt); err != nil {
			logging.Op().Error("recording finished lab failed", "lab_id", lab.ID, "error", err)
			return
		}
		metrics.Global().RecordLabFinished()
		metrics.Global().ObserveTeardown(string(lab.Runtime), "finished", time.Since(start))
		logging.Op().Info("lab torn down",
			"lab_id", lab.ID, "runtime", string(lab.Runtime),
			"evidence", string(state), "seconds", time.Since(start).Seconds())

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The lab's own budget ran out; the worker itself is fine.
		if err := batch.MarkFailed(spanCtx, lab.ID, FailureTeardownTimeout); err != nil {
			logging.Op().Error("recording teardown timeout failed", "lab_id", lab.ID, "error", err)
			return
		}
		metrics.Global().RecordLabFailed("teardown")
		metrics.Global().ObserveTeardown(string(lab.Runtime), "timeout", time.Since(start))
		logging.Op().Error("lab teardown timed out",
			"lab_id", lab.ID, "runtime", string(lab.Runtime),
			"timeout", w.opts.LabTimeout.String())

	case ctx.Err() != nil:
		// Shutdown raced the destroy. Leave the lab ENDING; the next tick
		// retries because DestroyLab is idempotent.
		logging.Op().Info("teardown interrupted by shutdown, lab stays queued", "lab_id", lab.ID)

	default:
		w.markFailed(spanCtx, batch, lab, err)
		metrics.Global().ObserveTeardown(string(lab.Runtime), "error", time.Since(start))
	}
}

func (w *Worker) markFailed(ctx context.Context, batch Batch, lab *domain.Lab, cause error) {
	reason := domain.Sanitize(cause)
	if err := batch.MarkFailed(ctx, lab.ID, reason); err != nil {
		logging.Op().Error("recording failed teardown failed", "lab_id", lab.ID, "error", err)
		return
	}
	metrics.Global().RecordLabFailed("teardown")
	logging.Op().Error("lab teardown failed",
		"lab_id", lab.ID, "runtime", string(lab.Runtime), "reason", reason,
		"error", fmt.Sprintf("%v", cause))
}
