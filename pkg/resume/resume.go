// Package resume restarts an interrupted operation from its last checkpoint
// under a new operation id.
package resume

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/policy"
)

// MetadataKind is the checkpoint metadata key carrying the operation kind.
const MetadataKind = "operation_kind"

// Restorer rebuilds a worker's runtime state from a checkpoint. It must keep
// every stored history entry unchanged.
type Restorer interface {
	Restore(ctx context.Context, cp *checkpoint.Checkpoint, startingBoundary int64) error
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc func(ctx context.Context, cp *checkpoint.Checkpoint, startingBoundary int64) error

func (f RestorerFunc) Restore(ctx context.Context, cp *checkpoint.Checkpoint, startingBoundary int64) error {
	return f(ctx, cp, startingBoundary)
}

// Registrar records the new operation and its lineage.
type Registrar interface {
	Register(ctx context.Context, operationID string, kind policy.Kind, resumedFrom string) error
}

// Result describes a successful resume.
type Result struct {
	NewOperationID   string
	ResumedFrom      string
	StartingBoundary int64
	Kind             policy.Kind
}

// Resumer is the resume contract; Orchestrator and its decorators implement it.
type Resumer interface {
	Resume(ctx context.Context, originalID, newID string) (Result, error)
}

// Orchestrator runs the resume sequence: load, validate, restore, register,
// retire the original checkpoint.
type Orchestrator struct {
	store     checkpoint.Store
	restorer  Restorer
	registrar Registrar
	validator checkpoint.Validator
	kind      policy.Kind
	deferred  bool
	log       zerolog.Logger
}

var _ Resumer = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidator replaces checkpoint.DefaultValidator.
func WithValidator(v checkpoint.Validator) Option { return func(o *Orchestrator) { o.validator = v } }

// WithKind sets the kind registered when the checkpoint metadata does not name one.
func WithKind(k policy.Kind) Option { return func(o *Orchestrator) { o.kind = k } }

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithDeferredCleanup leaves the original checkpoint in place. The runner
// removes it after the new operation's first successful save.
func WithDeferredCleanup() Option { return func(o *Orchestrator) { o.deferred = true } }

// New builds an Orchestrator.
func New(st checkpoint.Store, restorer Restorer, registrar Registrar, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		restorer:  restorer,
		registrar: registrar,
		validator: checkpoint.DefaultValidator(),
		kind:      policy.KindTraining,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deferred reports whether the original checkpoint is left for the runner to delete.
func (o *Orchestrator) Deferred() bool { return o.deferred }

// Resume continues originalID as newID. Loading and validation mutate nothing;
// a failure to delete the original checkpoint is logged and not returned.
func (o *Orchestrator) Resume(ctx context.Context, originalID, newID string) (Result, error) {
	if originalID == "" || newID == "" {
		return Result{}, errmodel.Validation("invalid_operation_id", "operation ids must not be empty",
			map[string]any{"original_operation_id": originalID, "new_operation_id": newID})
	}
	if originalID == newID {
		return Result{}, errmodel.Validation("invalid_operation_id", "new operation id must differ from the original",
			map[string]any{"operation_id": originalID})
	}
	log := o.log.With().Str("original_operation_id", originalID).Str("new_operation_id", newID).Logger()

	cp, ok, err := o.store.Load(ctx, originalID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, errmodel.NotFound("not_found", "no checkpoint to resume from",
			map[string]any{"operation_id": originalID})
	}

	valid, violations := o.validator.Validate(cp.State)
	if !valid {
		causes := make([]error, 0, len(violations))
		for _, v := range violations {
			causes = append(causes, v)
		}
		return Result{}, errmodel.Corruption("invalid_checkpoint", "checkpoint cannot be resumed",
			map[string]any{"operation_id": originalID, "violations": len(violations)}, causes...)
	}
	boundary, _ := checkpoint.Boundary(cp.State)
	res := Result{
		NewOperationID:   newID,
		ResumedFrom:      originalID,
		StartingBoundary: boundary + 1,
		Kind:             o.kind,
	}
	if k := cp.Metadata[MetadataKind]; k != "" {
		res.Kind = policy.Kind(k)
	}

	if err := o.restorer.Restore(ctx, cp, res.StartingBoundary); err != nil {
		var ce *errmodel.Error
		if errors.As(err, &ce) {
			return Result{}, err
		}
		return Result{}, errmodel.Corruption("restore_failed", "worker could not restore checkpoint",
			map[string]any{"operation_id": originalID}, err)
	}
	if err := o.registrar.Register(ctx, newID, res.Kind, originalID); err != nil {
		var ce *errmodel.Error
		if errors.As(err, &ce) {
			return Result{}, err
		}
		return Result{}, errmodel.Storage("register_failed", "cannot register resumed operation",
			map[string]any{"operation_id": newID}, err)
	}

	if o.deferred {
		log.Info().Int64("starting_boundary", res.StartingBoundary).Msg("resumed; original checkpoint kept until first save")
		return res, nil
	}
	if err := o.store.Delete(ctx, originalID); err != nil {
		log.Warn().Err(err).Msg("original checkpoint not deleted after resume")
	}
	log.Info().Int64("starting_boundary", res.StartingBoundary).Msg("resumed")
	return res, nil
}
