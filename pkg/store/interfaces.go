package store

import (
	"context"
	"encoding/json"
	"time"
)

// CheckpointRecord is the persisted metadata row of a checkpoint.
// Metadata holds a JSON object; State holds the canonical state encoding.
// There is at most one record per OperationID.
type CheckpointRecord struct {
	OperationID        string
	CheckpointID       string
	CheckpointType     string
	CreatedAt          time.Time
	Metadata           json.RawMessage
	State              []byte
	ArtifactsPath      string
	StateSizeBytes     int64
	ArtifactsSizeBytes int64
}

// OperationRecord tracks the lifecycle of one tracked operation.
type OperationRecord struct {
	OperationID string
	Kind        string
	Status      string
	ResumedFrom string
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventRecord is one entry of an operation's ordered lifecycle log.
// Payload holds the event data as JSON.
type EventRecord struct {
	EventID     string
	OperationID string
	Seq         int64
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// CheckpointStore persists checkpoint metadata rows.
type CheckpointStore interface {
	// UpsertCheckpoint inserts or fully replaces the row for rec.OperationID in one transaction.
	UpsertCheckpoint(ctx context.Context, rec CheckpointRecord) error
	// GetCheckpoint returns ErrNotFound when no row exists.
	GetCheckpoint(ctx context.Context, operationID string) (CheckpointRecord, error)
	// DeleteCheckpoint removes the row; a missing row is not an error.
	DeleteCheckpoint(ctx context.Context, operationID string) error
	// ListCheckpoints returns every row ordered by operation id, without State.
	ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error)
	// CountCheckpoints returns the number of rows stored for operationID.
	CountCheckpoints(ctx context.Context, operationID string) (int, error)
}

// OperationStore persists operation lifecycle rows.
type OperationStore interface {
	// CreateOperation returns ErrConflict if the id already exists.
	CreateOperation(ctx context.Context, op OperationRecord) error
	// GetOperation returns ErrNotFound when no row exists.
	GetOperation(ctx context.Context, operationID string) (OperationRecord, error)
	// UpdateOperationStatus moves an operation from one status to another.
	// It returns ErrNotFound for an unknown id and ErrConflict when the current status is not from.
	UpdateOperationStatus(ctx context.Context, operationID, from, to, reason string) (OperationRecord, error)
}

// EventStore defines operations for per-operation event logs.
type EventStore interface {
	AppendEvent(ctx context.Context, e EventRecord) (EventRecord, error)
	ListEvents(ctx context.Context, operationID string, afterSeq int64, limit int) ([]EventRecord, error)
}

// Store aggregates all metadata stores.
type Store interface {
	CheckpointStore
	OperationStore
	EventStore
}
