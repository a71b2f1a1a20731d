// Package ledger tracks the lifecycle of operations and owns the rule that a
// checkpoint is discarded when, and only when, its operation completes
// successfully.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/policy"
	"github.com/wilhg/ckpt/pkg/store"
)

// Event types appended to an operation's history.
const (
	EventRegistered    = "registered"
	EventStatusChanged = "status_changed"
)

// Ledger records operation state transitions over an operation store and an
// event log.
type Ledger struct {
	ops         store.OperationStore
	events      store.EventStore
	checkpoints checkpoint.Store
	log         zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l zerolog.Logger) Option { return func(lg *Ledger) { lg.log = l } }

// New builds a Ledger. checkpoints may be nil when nothing should be deleted on completion.
func New(ops store.OperationStore, events store.EventStore, checkpoints checkpoint.Store, opts ...Option) *Ledger {
	l := &Ledger{ops: ops, events: events, checkpoints: checkpoints, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register creates a RUNNING operation. resumedFrom names the operation it
// continues, if any.
func (l *Ledger) Register(ctx context.Context, operationID string, kind policy.Kind, resumedFrom string) error {
	if operationID == "" {
		return errmodel.Validation("invalid_operation_id", "operation id is empty", nil)
	}
	now := time.Now().UTC()
	err := l.ops.CreateOperation(ctx, store.OperationRecord{
		OperationID: operationID,
		Kind:        string(kind),
		Status:      store.StatusRunning,
		ResumedFrom: resumedFrom,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, store.ErrConflict) {
		return errmodel.Validation("conflict", "operation already registered", map[string]any{"operation_id": operationID})
	}
	if err != nil {
		return errmodel.Storage("register_failed", "cannot register operation", map[string]any{"operation_id": operationID}, err)
	}
	l.appendEvent(ctx, operationID, EventRegistered, map[string]any{
		"kind":         string(kind),
		"resumed_from": resumedFrom,
	})
	l.log.Info().Str("operation_id", operationID).Str("kind", string(kind)).Str("resumed_from", resumedFrom).Msg("operation registered")
	return nil
}

// Complete marks the operation COMPLETED and deletes its checkpoint. A failed
// delete is logged; the transition stands.
func (l *Ledger) Complete(ctx context.Context, operationID, reason string) error {
	if err := l.transition(ctx, operationID, store.StatusCompleted, reason); err != nil {
		return err
	}
	if l.checkpoints == nil {
		return nil
	}
	if err := l.checkpoints.Delete(ctx, operationID); err != nil {
		l.log.Warn().Err(err).Str("operation_id", operationID).Msg("checkpoint not deleted on completion")
	}
	return nil
}

// Fail marks the operation FAILED. Its checkpoint is left to the policy.
func (l *Ledger) Fail(ctx context.Context, operationID, reason string) error {
	return l.transition(ctx, operationID, store.StatusFailed, reason)
}

// Cancel marks the operation CANCELLED. Its checkpoint is left to the policy.
func (l *Ledger) Cancel(ctx context.Context, operationID, reason string) error {
	return l.transition(ctx, operationID, store.StatusCancelled, reason)
}

func (l *Ledger) transition(ctx context.Context, operationID, to, reason string) error {
	cur, err := l.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if store.IsTerminal(cur.Status) {
		return errmodel.Validation("invalid_transition", "operation already finished",
			map[string]any{"operation_id": operationID, "status": cur.Status, "requested": to})
	}
	if _, err := l.ops.UpdateOperationStatus(ctx, operationID, cur.Status, to, reason); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return errmodel.Validation("invalid_transition", "operation status changed concurrently",
				map[string]any{"operation_id": operationID, "requested": to})
		case errors.Is(err, store.ErrNotFound):
			return errmodel.NotFound("not_found", "operation not registered", map[string]any{"operation_id": operationID})
		}
		return errmodel.Storage("transition_failed", "cannot update operation status",
			map[string]any{"operation_id": operationID}, err)
	}
	l.appendEvent(ctx, operationID, EventStatusChanged, map[string]any{
		"from":   cur.Status,
		"to":     to,
		"reason": reason,
	})
	l.log.Info().Str("operation_id", operationID).Str("from", cur.Status).Str("to", to).Str("reason", reason).Msg("operation status changed")
	return nil
}

// Get returns the operation record.
func (l *Ledger) Get(ctx context.Context, operationID string) (store.OperationRecord, error) {
	op, err := l.ops.GetOperation(ctx, operationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.OperationRecord{}, errmodel.NotFound("not_found", "operation not registered", map[string]any{"operation_id": operationID})
	}
	if err != nil {
		return store.OperationRecord{}, errmodel.Storage("read_failed", "cannot read operation", map[string]any{"operation_id": operationID}, err)
	}
	return op, nil
}

// History returns the operation's lifecycle events in order.
func (l *Ledger) History(ctx context.Context, operationID string) ([]store.EventRecord, error) {
	evs, err := l.events.ListEvents(ctx, operationID, 0, 0)
	if err != nil {
		return nil, errmodel.Storage("read_failed", "cannot read operation history", map[string]any{"operation_id": operationID}, err)
	}
	return evs, nil
}

// Lineage walks resumed_from links starting at operationID, newest first.
func (l *Ledger) Lineage(ctx context.Context, operationID string) ([]store.OperationRecord, error) {
	var out []store.OperationRecord
	seen := map[string]bool{}
	for id := operationID; id != "" && !seen[id]; {
		seen[id] = true
		op, err := l.ops.GetOperation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			if len(out) == 0 {
				return nil, errmodel.NotFound("not_found", "operation not registered", map[string]any{"operation_id": operationID})
			}
			break
		}
		if err != nil {
			return nil, errmodel.Storage("read_failed", "cannot read operation", map[string]any{"operation_id": id}, err)
		}
		out = append(out, op)
		id = op.ResumedFrom
	}
	return out, nil
}

func (l *Ledger) appendEvent(ctx context.Context, operationID, typ string, payload map[string]any) {
	if l.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		l.log.Warn().Err(err).Str("operation_id", operationID).Msg("encode ledger event")
		return
	}
	_, err = l.events.AppendEvent(ctx, store.EventRecord{
		EventID:     uuid.NewString(),
		OperationID: operationID,
		Type:        typ,
		Payload:     raw,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("operation_id", operationID).Str("type", typ).Msg("append ledger event")
	}
}
