// Package memstore is an in-memory store.Store intended for tests, examples
// and single-process tools that do not need durability.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wilhg/ckpt/pkg/store"
)

// Store keeps every row in maps guarded by one RWMutex. Returned records are
// copies; callers may mutate them freely.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]store.CheckpointRecord
	operations  map[string]store.OperationRecord
	events      map[string][]store.EventRecord // operation id -> events in seq order
	eventIDs    map[string]store.EventRecord
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]store.CheckpointRecord),
		operations:  make(map[string]store.OperationRecord),
		events:      make(map[string][]store.EventRecord),
		eventIDs:    make(map[string]store.EventRecord),
	}
}

func (s *Store) UpsertCheckpoint(ctx context.Context, rec store.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.OperationID == "" {
		return errors.New("memstore: empty operation id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[rec.OperationID] = cloneCheckpoint(rec, true)
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, operationID string) (store.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.checkpoints[operationID]
	if !ok {
		return store.CheckpointRecord{}, store.ErrNotFound
	}
	return cloneCheckpoint(rec, true), nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, operationID)
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]store.CheckpointRecord, error) {
	s.mu.RLock()
	out := make([]store.CheckpointRecord, 0, len(s.checkpoints))
	for _, rec := range s.checkpoints {
		out = append(out, cloneCheckpoint(rec, false))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out, nil
}

func (s *Store) CountCheckpoints(ctx context.Context, operationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.checkpoints[operationID]; ok {
		return 1, nil
	}
	return 0, nil
}

func (s *Store) CreateOperation(ctx context.Context, op store.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.OperationID]; ok {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = op.CreatedAt
	}
	s.operations[op.OperationID] = op
	return nil
}

func (s *Store) GetOperation(ctx context.Context, operationID string) (store.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[operationID]
	if !ok {
		return store.OperationRecord{}, store.ErrNotFound
	}
	return op, nil
}

func (s *Store) UpdateOperationStatus(ctx context.Context, operationID, from, to, reason string) (store.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[operationID]
	if !ok {
		return store.OperationRecord{}, store.ErrNotFound
	}
	if op.Status != from {
		return op, store.ErrConflict
	}
	op.Status = to
	op.Reason = reason
	op.UpdatedAt = time.Now().UTC()
	s.operations[operationID] = op
	return op, nil
}

// AppendEvent assigns the next sequence for the operation. Re-appending a
// known event id returns the stored event.
func (s *Store) AppendEvent(ctx context.Context, e store.EventRecord) (store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.eventIDs[e.EventID]; ok {
		return existing, nil
	}
	log := s.events[e.OperationID]
	e.Seq = int64(len(log)) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	s.events[e.OperationID] = append(log, e)
	s.eventIDs[e.EventID] = e
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, operationID string, afterSeq int64, limit int) ([]store.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.EventRecord
	for _, e := range s.events[operationID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneCheckpoint(rec store.CheckpointRecord, withState bool) store.CheckpointRecord {
	out := rec
	out.Metadata = append([]byte(nil), rec.Metadata...)
	if withState {
		out.State = append([]byte(nil), rec.State...)
	} else {
		out.State = nil
	}
	return out
}
