package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/decision"
	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/policy"
	"github.com/wilhg/ckpt/pkg/resume"
	"github.com/wilhg/ckpt/pkg/store"
)

// Worker is a boundary-driven operation (a training loop, a backtest).
// Boundaries are 1-based.
type Worker interface {
	// Step runs boundary b to completion.
	Step(ctx context.Context, b int) error
	// Snapshot returns an independent copy of the worker state after boundary b.
	Snapshot(ctx context.Context, b int) (checkpoint.Payload, error)
	// Restore rebuilds the worker from a checkpoint before boundary startingBoundary.
	Restore(ctx context.Context, cp *checkpoint.Checkpoint, startingBoundary int64) error
}

// Lifecycle receives operation state transitions. ledger.Ledger implements it.
type Lifecycle interface {
	Register(ctx context.Context, operationID string, kind policy.Kind, resumedFrom string) error
	Complete(ctx context.Context, operationID, reason string) error
	Fail(ctx context.Context, operationID, reason string) error
	Cancel(ctx context.Context, operationID, reason string) error
}

// Job describes one run of a worker.
type Job struct {
	OperationID string
	// Kind defaults to Policy.Kind.
	Kind   policy.Kind
	Policy policy.Policy
	Worker Worker
	// StartBoundary defaults to 1; a resumed job starts at Result.StartingBoundary.
	StartBoundary   int
	TotalBoundaries int
	// ResumedFrom names the operation this job continues. Its checkpoint is
	// deleted after this job's first successful save or when the job
	// completes, and the job is assumed to be registered already.
	ResumedFrom string
}

// Outcome summarizes a finished run.
type Outcome struct {
	Status       string
	LastBoundary int
	Saves        int
	FailedSaves  int
	SkippedSaves int
}

// Runner drives a Worker boundary by boundary, checkpointing as the policy decides.
type Runner struct {
	store      checkpoint.Store
	lifecycle  Lifecycle
	log        zerolog.Logger
	now        func() time.Time
	background bool
}

// RunnerOption configures the Runner at construction time.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) RunnerOption { return func(r *Runner) { r.log = l } }

// WithClock overrides the clock used for checkpoint decisions.
func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// WithBackgroundSaves moves saves off the boundary loop. At most one save is
// in flight per run; a boundary whose save cannot start is skipped.
func WithBackgroundSaves() RunnerOption { return func(r *Runner) { r.background = true } }

// NewRunner constructs a new Runner. lifecycle may be nil.
func NewRunner(st checkpoint.Store, lifecycle Lifecycle, opts ...RunnerOption) *Runner {
	rn := &Runner{store: st, lifecycle: lifecycle, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(rn)
	}
	return rn
}

// run holds the mutable state of one Run call.
type run struct {
	job Job
	log zerolog.Logger

	mu          sync.Mutex
	outcome     Outcome
	lastSave    time.Time
	resumedGone bool
}

// Run executes job until all boundaries complete, the worker fails, or ctx is
// cancelled, then applies the policy's retention rules and reports the
// terminal transition.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	tr := otel.Tracer("runtime/runner")
	ctx, span := tr.Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("ckpt.operation_id", job.OperationID),
		attribute.String("ckpt.kind", string(job.Policy.Kind)),
		attribute.Int("ckpt.total_boundaries", job.TotalBoundaries),
	))
	defer span.End()

	if job.OperationID == "" || job.Worker == nil {
		return Outcome{}, errmodel.Validation("invalid_job", "job needs an operation id and a worker", nil)
	}
	if err := job.Policy.Validate(); err != nil {
		return Outcome{}, err
	}
	if job.Kind == "" {
		job.Kind = job.Policy.Kind
	}
	if job.StartBoundary <= 0 {
		job.StartBoundary = 1
	}
	rs := &run{
		job:      job,
		log:      r.log.With().Str("operation_id", job.OperationID).Str("kind", string(job.Kind)).Logger(),
		lastSave: r.now(),
		outcome:  Outcome{LastBoundary: job.StartBoundary - 1},
	}

	if r.lifecycle != nil && job.ResumedFrom == "" {
		if err := r.lifecycle.Register(ctx, job.OperationID, job.Kind, ""); err != nil {
			span.RecordError(err)
			return Outcome{}, err
		}
	}

	loopCtx := ctx
	var bg *errgroup.Group
	if r.background {
		bg, loopCtx = errgroup.WithContext(ctx)
		bg.SetLimit(1)
	}

	var stepErr error
	for b := job.StartBoundary; b <= job.TotalBoundaries; b++ {
		if loopCtx.Err() != nil {
			break
		}
		if err := job.Worker.Step(loopCtx, b); err != nil {
			stepErr = fmt.Errorf("boundary %d: %w", b, err)
			break
		}
		rs.mu.Lock()
		rs.outcome.LastBoundary = b
		last := rs.lastSave
		rs.mu.Unlock()

		d := decision.ShouldCheckpoint(job.Policy, last, r.now(), b, job.TotalBoundaries)
		rs.log.Debug().Int("boundary", b).Bool("checkpoint", d.Checkpoint).Str("reason", string(d.Reason)).Msg("boundary complete")
		if !d.Checkpoint {
			continue
		}
		payload, err := r.snapshot(loopCtx, rs, b, snapshotType(job.Kind))
		if err != nil {
			if fatal := r.saveFailed(rs, b, err); fatal != nil {
				stepErr = fatal
				break
			}
			continue
		}
		if bg == nil {
			if fatal := r.save(loopCtx, rs, b, payload); fatal != nil {
				stepErr = fatal
				break
			}
			continue
		}
		started := bg.TryGo(func() error { return r.save(loopCtx, rs, b, payload) })
		if !started {
			rs.mu.Lock()
			rs.outcome.SkippedSaves++
			rs.mu.Unlock()
			rs.log.Warn().Int("boundary", b).Msg("previous checkpoint still saving; skipping")
		}
	}
	if bg != nil {
		if err := bg.Wait(); err != nil && stepErr == nil {
			stepErr = err
		}
	}

	out, err := r.finish(ctx, rs, stepErr)
	span.SetAttributes(
		attribute.String("ckpt.status", out.Status),
		attribute.Int("ckpt.last_boundary", out.LastBoundary),
		attribute.Int("ckpt.saves", out.Saves),
	)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// finish applies retention and the terminal transition.
func (r *Runner) finish(ctx context.Context, rs *run, stepErr error) (Outcome, error) {
	job := rs.job
	p := job.Policy
	last := rs.outcome.LastBoundary
	// Terminal bookkeeping must run even when ctx is already cancelled.
	detached := context.WithoutCancel(ctx)

	switch {
	case stepErr == nil && ctx.Err() == nil && last >= job.TotalBoundaries:
		rs.outcome.Status = store.StatusCompleted
		r.retireResumed(detached, rs)
		if p.DeleteOnCompletion {
			if err := r.store.Delete(detached, job.OperationID); err != nil {
				rs.log.Warn().Err(err).Msg("checkpoint not deleted on completion")
			}
		}
		if r.lifecycle != nil {
			if err := r.lifecycle.Complete(detached, job.OperationID, ""); err != nil {
				return rs.outcome, err
			}
		}
		rs.log.Info().Int("last_boundary", last).Int("saves", rs.outcome.Saves).Msg("operation completed")
		return rs.outcome, nil

	case ctx.Err() != nil:
		rs.outcome.Status = store.StatusCancelled
		if p.CheckpointOnCancellation {
			r.finalSave(detached, rs)
		}
		if r.lifecycle != nil {
			if err := r.lifecycle.Cancel(detached, job.OperationID, ctx.Err().Error()); err != nil {
				rs.log.Error().Err(err).Msg("record cancellation")
			}
		}
		rs.log.Info().Int("last_boundary", last).Msg("operation cancelled")
		return rs.outcome, ctx.Err()

	default:
		if stepErr == nil {
			stepErr = errors.New("worker stopped before the last boundary")
		}
		rs.outcome.Status = store.StatusFailed
		if p.CheckpointOnFailure && !errors.Is(stepErr, errFatalSave) {
			r.finalSave(detached, rs)
		}
		if r.lifecycle != nil {
			if err := r.lifecycle.Fail(detached, job.OperationID, stepErr.Error()); err != nil {
				rs.log.Error().Err(err).Msg("record failure")
			}
		}
		rs.log.Error().Err(stepErr).Int("last_boundary", last).Msg("operation failed")
		return rs.outcome, stepErr
	}
}

var errFatalSave = errors.New("checkpoint save failed")

func (r *Runner) finalSave(ctx context.Context, rs *run) {
	b := rs.outcome.LastBoundary
	if b < 1 {
		rs.log.Info().Msg("no completed boundary; skipping final checkpoint")
		return
	}
	payload, err := r.snapshot(ctx, rs, b, checkpoint.TypeFinal)
	if err != nil {
		_ = r.saveFailed(rs, b, err)
		return
	}
	_ = r.save(ctx, rs, b, payload)
}

func (r *Runner) snapshot(ctx context.Context, rs *run, b int, typ checkpoint.Type) (checkpoint.Payload, error) {
	p, err := rs.job.Worker.Snapshot(ctx, b)
	if err != nil {
		return checkpoint.Payload{}, fmt.Errorf("snapshot: %w", err)
	}
	if p.Type == "" {
		p.Type = typ
	}
	if p.CheckpointID == "" {
		p.CheckpointID = rs.job.OperationID + "-b" + strconv.Itoa(b)
	}
	meta := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta[resume.MetadataKind] = string(rs.job.Kind)
	meta["boundary"] = strconv.Itoa(b)
	p.Metadata = meta
	return p, nil
}

// save persists one payload. It returns a non-nil error only when the
// failure must end the run.
func (r *Runner) save(ctx context.Context, rs *run, b int, p checkpoint.Payload) error {
	if err := r.store.Save(ctx, rs.job.OperationID, p); err != nil {
		return r.saveFailed(rs, b, err)
	}
	rs.mu.Lock()
	rs.outcome.Saves++
	rs.lastSave = r.now()
	rs.mu.Unlock()

	rs.log.Info().Int("boundary", b).Str("checkpoint_id", p.CheckpointID).Str("checkpoint_type", string(p.Type)).Msg("checkpoint saved")
	r.retireResumed(ctx, rs)
	return nil
}

// retireResumed deletes the checkpoint of the operation this job resumed,
// once per run. It runs after the first save or on completion, whichever
// comes first.
func (r *Runner) retireResumed(ctx context.Context, rs *run) {
	rs.mu.Lock()
	cleanup := rs.job.ResumedFrom != "" && !rs.resumedGone
	rs.resumedGone = true
	rs.mu.Unlock()
	if !cleanup {
		return
	}
	if err := r.store.Delete(ctx, rs.job.ResumedFrom); err != nil {
		rs.log.Warn().Err(err).Str("resumed_from", rs.job.ResumedFrom).Msg("original checkpoint not deleted")
	}
}

func (r *Runner) saveFailed(rs *run, b int, err error) error {
	ev := rs.log.Error().Err(err).Int("boundary", b)
	if ce := errmodel.From(err); ce != nil {
		ev = ev.Str("reason", ce.Code)
		if v, ok := ce.Context["state_size_bytes"].(int64); ok {
			ev = ev.Int64("state_size_bytes", v)
		}
		if v, ok := ce.Context["artifacts_size_bytes"].(int64); ok {
			ev = ev.Int64("artifacts_size_bytes", v)
		}
	}
	ev.Msg("checkpoint failed")

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outcome.FailedSaves++
	if !rs.job.Policy.FailOnCheckpointError {
		return nil
	}
	return fmt.Errorf("%w at boundary %d: %w", errFatalSave, b, err)
}

func snapshotType(k policy.Kind) checkpoint.Type {
	if k == policy.KindBacktesting {
		return checkpoint.TypeBarSnapshot
	}
	return checkpoint.TypeEpochSnapshot
}
