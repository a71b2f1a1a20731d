package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wilhg/ckpt/internal/codec"
	"github.com/wilhg/ckpt/pkg/artifacts"
	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/store"
)

// Service implements Store over a metadata store and an artifact directory.
// It is safe for concurrent use; calls for the same operation are serialized.
type Service struct {
	meta store.CheckpointStore
	dir  *artifacts.Dir
	log  zerolog.Logger
	now  func() time.Time

	locks sync.Map // operation id -> *sync.Mutex
}

var _ Store = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds a Service. dir may be nil, in which case payloads carrying raw
// artifacts are rejected.
func New(meta store.CheckpointStore, dir *artifacts.Dir, opts ...Option) *Service {
	s := &Service{meta: meta, dir: dir, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(operationID string) func() {
	v, _ := s.locks.LoadOrStore(operationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Save writes artifacts (if any) into a new directory, then replaces the
// metadata row in one transaction. A failed transaction removes the new
// directory; older directories are removed only after commit.
func (s *Service) Save(ctx context.Context, operationID string, p Payload) error {
	if err := s.validatePayload(operationID, p); err != nil {
		return err
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errmodel.Validation("unencodable_metadata", "checkpoint metadata cannot be encoded",
			map[string]any{"operation_id": operationID}, err)
	}
	state, err := codec.EncodeState(p.State)
	if err != nil {
		return errmodel.Validation("unencodable_state", "checkpoint state cannot be encoded",
			map[string]any{"operation_id": operationID}, err)
	}

	unlock := s.lock(operationID)
	defer unlock()

	rec := store.CheckpointRecord{
		OperationID:    operationID,
		CheckpointID:   p.CheckpointID,
		CheckpointType: string(p.Type),
		CreatedAt:      s.now().UTC(),
		Metadata:       metaJSON,
		State:          state,
		StateSizeBytes: int64(len(state)),
	}
	written := ""
	switch {
	case len(p.Artifacts) > 0:
		path, size, err := s.dir.Write(ctx, operationID, p.Artifacts)
		if err != nil {
			return errmodel.Storage("artifacts_write_failed", "cannot write checkpoint artifacts",
				sizeContext(operationID, rec.StateSizeBytes, artifactBytes(p.Artifacts)), err)
		}
		written = path
		rec.ArtifactsPath = path
		rec.ArtifactsSizeBytes = size
	case p.ArtifactsPath != "":
		size, err := artifacts.Size(p.ArtifactsPath)
		if err != nil {
			return errmodel.Validation("invalid_artifacts_path", "artifacts path is not a readable directory",
				map[string]any{"operation_id": operationID, "artifacts_path": p.ArtifactsPath}, err)
		}
		rec.ArtifactsPath = p.ArtifactsPath
		rec.ArtifactsSizeBytes = size
	}

	if err := s.meta.UpsertCheckpoint(ctx, rec); err != nil {
		if written != "" {
			if rmErr := s.dir.Remove(written); rmErr != nil {
				s.log.Warn().Err(rmErr).Str("operation_id", operationID).Str("path", written).
					Msg("remove uncommitted artifacts")
			}
		}
		return errmodel.Storage("metadata_write_failed", "cannot commit checkpoint metadata",
			sizeContext(operationID, rec.StateSizeBytes, rec.ArtifactsSizeBytes), err)
	}

	if s.dir != nil {
		s.dir.RemoveStale(operationID, rec.ArtifactsPath)
	}
	s.log.Debug().
		Str("operation_id", operationID).
		Str("checkpoint_id", rec.CheckpointID).
		Str("checkpoint_type", rec.CheckpointType).
		Int64("state_size_bytes", rec.StateSizeBytes).
		Int64("artifacts_size_bytes", rec.ArtifactsSizeBytes).
		Msg("checkpoint saved")
	return nil
}

func (s *Service) validatePayload(operationID string, p Payload) error {
	if operationID == "" {
		return errmodel.Validation("invalid_operation_id", "operation id is empty", nil)
	}
	if !p.Type.Valid() {
		return errmodel.Validation("invalid_checkpoint_type", "unknown checkpoint type",
			map[string]any{"operation_id": operationID, "checkpoint_type": string(p.Type)})
	}
	if len(p.Artifacts) > 0 && p.ArtifactsPath != "" {
		return errmodel.Validation("conflicting_artifacts", "payload carries both raw artifacts and an artifacts path",
			map[string]any{"operation_id": operationID})
	}
	if len(p.Artifacts) > 0 {
		if s.dir == nil {
			return errmodel.Validation("artifacts_unsupported", "no artifact directory is configured",
				map[string]any{"operation_id": operationID})
		}
		for name := range p.Artifacts {
			if err := artifacts.ValidateName(name); err != nil {
				return errmodel.Validation("invalid_artifact_name", "artifact names must be plain file names",
					map[string]any{"operation_id": operationID, "name": name}, err)
			}
		}
	}
	return nil
}

// Load returns the committed checkpoint of operationID.
func (s *Service) Load(ctx context.Context, operationID string) (*Checkpoint, bool, error) {
	rec, err := s.meta.GetCheckpoint(ctx, operationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errmodel.Storage("metadata_read_failed", "cannot read checkpoint metadata",
			map[string]any{"operation_id": operationID}, err)
	}
	cp, err := fromRecord(rec)
	if err != nil {
		return nil, false, err
	}
	state, err := codec.DecodeState(rec.State)
	if err != nil {
		return nil, false, errmodel.Corruption("undecodable_state", "checkpoint state cannot be decoded",
			map[string]any{"operation_id": operationID}, err)
	}
	cp.State = state

	cp.Artifacts = map[string][]byte{}
	if rec.ArtifactsPath != "" {
		files, err := artifacts.Read(rec.ArtifactsPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.log.Warn().Str("operation_id", operationID).Str("path", rec.ArtifactsPath).
				Msg("checkpoint artifacts directory is missing")
		case err != nil:
			return nil, false, errmodel.Storage("artifacts_read_failed", "cannot read checkpoint artifacts",
				map[string]any{"operation_id": operationID, "artifacts_path": rec.ArtifactsPath}, err)
		default:
			cp.Artifacts = files
		}
	}
	return cp, true, nil
}

// Delete removes artifacts first, then the metadata row. It succeeds when
// nothing exists.
func (s *Service) Delete(ctx context.Context, operationID string) error {
	if operationID == "" {
		return errmodel.Validation("invalid_operation_id", "operation id is empty", nil)
	}
	unlock := s.lock(operationID)
	defer unlock()

	rec, err := s.meta.GetCheckpoint(ctx, operationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return errmodel.Storage("metadata_read_failed", "cannot read checkpoint metadata",
			map[string]any{"operation_id": operationID}, err)
	case rec.ArtifactsPath != "":
		if err := artifacts.Remove(rec.ArtifactsPath); err != nil {
			s.log.Warn().Err(err).Str("operation_id", operationID).Str("path", rec.ArtifactsPath).
				Msg("remove checkpoint artifacts")
		}
	}
	if s.dir != nil {
		s.dir.RemoveStale(operationID, "")
	}
	if err := s.meta.DeleteCheckpoint(ctx, operationID); err != nil {
		return errmodel.Storage("metadata_delete_failed", "cannot delete checkpoint metadata",
			map[string]any{"operation_id": operationID}, err)
	}
	s.log.Debug().Str("operation_id", operationID).Msg("checkpoint deleted")
	return nil
}

// Exists reports whether a checkpoint row exists for operationID.
func (s *Service) Exists(ctx context.Context, operationID string) (bool, error) {
	n, err := s.meta.CountCheckpoints(ctx, operationID)
	if err != nil {
		return false, errmodel.Storage("metadata_read_failed", "cannot read checkpoint metadata",
			map[string]any{"operation_id": operationID}, err)
	}
	return n > 0, nil
}

// List returns every stored checkpoint without state or artifacts.
func (s *Service) List(ctx context.Context) ([]Checkpoint, error) {
	recs, err := s.meta.ListCheckpoints(ctx)
	if err != nil {
		return nil, errmodel.Storage("metadata_read_failed", "cannot list checkpoints", nil, err)
	}
	out := make([]Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

// Sweep removes artifact directories no checkpoint references and temp
// directories older than grace. It returns the removed paths.
func (s *Service) Sweep(ctx context.Context, grace time.Duration) ([]string, error) {
	if s.dir == nil {
		return nil, nil
	}
	recs, err := s.meta.ListCheckpoints(ctx)
	if err != nil {
		return nil, errmodel.Storage("metadata_read_failed", "cannot list checkpoints", nil, err)
	}
	referenced := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.ArtifactsPath != "" {
			referenced[rec.ArtifactsPath] = true
		}
	}
	removed, err := s.dir.Sweep(ctx, referenced, grace)
	if err != nil {
		return removed, errmodel.Storage("sweep_failed", "cannot sweep artifact directory", nil, err)
	}
	if len(removed) > 0 {
		s.log.Info().Int("removed", len(removed)).Msg("swept orphaned artifacts")
	}
	return removed, nil
}

func fromRecord(rec store.CheckpointRecord) (*Checkpoint, error) {
	meta := map[string]string{}
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
			return nil, errmodel.Corruption("undecodable_metadata", "checkpoint metadata cannot be decoded",
				map[string]any{"operation_id": rec.OperationID}, err)
		}
	}
	return &Checkpoint{
		OperationID:        rec.OperationID,
		CheckpointID:       rec.CheckpointID,
		Type:               Type(rec.CheckpointType),
		CreatedAt:          rec.CreatedAt,
		Metadata:           meta,
		ArtifactsPath:      rec.ArtifactsPath,
		StateSizeBytes:     rec.StateSizeBytes,
		ArtifactsSizeBytes: rec.ArtifactsSizeBytes,
	}, nil
}

func artifactBytes(files map[string][]byte) int64 {
	var n int64
	for _, b := range files {
		n += int64(len(b))
	}
	return n
}

func sizeContext(operationID string, stateBytes, artifactBytes int64) map[string]any {
	return map[string]any{
		"operation_id":         operationID,
		"state_size_bytes":     stateBytes,
		"artifacts_size_bytes": artifactBytes,
	}
}
