// Package checkpoint persists and restores the snapshots of long-running
// operations.
//
// A checkpoint is split across two places: a metadata row (one per operation,
// replaced on every save) and an optional directory of artifact blobs. Service
// keeps the two consistent so that a reader only ever observes a complete,
// committed checkpoint.
package checkpoint

import (
	"context"
	"time"
)

// Type classifies why a checkpoint was taken.
type Type string

const (
	TypeEpochSnapshot Type = "epoch_snapshot"
	TypeBarSnapshot   Type = "bar_snapshot"
	TypeFinal         Type = "final"
)

// Valid reports whether t is a known checkpoint type.
func (t Type) Valid() bool {
	switch t {
	case TypeEpochSnapshot, TypeBarSnapshot, TypeFinal:
		return true
	}
	return false
}

// Payload is what a caller hands to Save. Artifacts and ArtifactsPath are
// mutually exclusive: raw blobs are written into a managed directory, while a
// path references a directory the caller already prepared.
type Payload struct {
	CheckpointID  string
	Type          Type
	Metadata      map[string]string
	State         map[string]any
	Artifacts     map[string][]byte
	ArtifactsPath string
}

// Checkpoint is the result of a successful Load.
type Checkpoint struct {
	OperationID        string
	CheckpointID       string
	Type               Type
	CreatedAt          time.Time
	Metadata           map[string]string
	State              map[string]any
	ArtifactsPath      string
	StateSizeBytes     int64
	ArtifactsSizeBytes int64
	Artifacts          map[string][]byte
}

// Store is the durable checkpoint contract used by the runner, the resume flow
// and the ledger.
type Store interface {
	// Save replaces the checkpoint of operationID. On error the previous
	// checkpoint, if any, is still the one Load returns.
	Save(ctx context.Context, operationID string, p Payload) error
	// Load returns (nil, false, nil) when no checkpoint exists.
	Load(ctx context.Context, operationID string) (*Checkpoint, bool, error)
	// Delete removes the checkpoint and its artifacts. Deleting a missing
	// checkpoint succeeds.
	Delete(ctx context.Context, operationID string) error
}
