// Package policy holds the per-operation-kind checkpoint policies.
//
// A Policy is loaded once at startup from a validated configuration document
// and is read-only afterwards. Construction fails fast: an invalid policy is
// never returned.
package policy

import (
	"fmt"
	"time"

	"github.com/wilhg/ckpt/pkg/errmodel"
)

// Kind names a family of long-running operations sharing one policy.
type Kind string

const (
	KindTraining    Kind = "training"
	KindBacktesting Kind = "backtesting"
)

// DefaultKinds are the sections required when the caller does not name any.
var DefaultKinds = []Kind{KindTraining, KindBacktesting}

// Policy decides how often an operation of a given kind checkpoints and what
// happens to its checkpoint when the operation ends.
type Policy struct {
	Kind Kind

	// CheckpointInterval is the minimum wall-clock time between two time-based checkpoints.
	CheckpointInterval time.Duration
	// ForceEveryN forces a checkpoint on every boundary that is a multiple of N.
	ForceEveryN int

	DeleteOnCompletion       bool
	CheckpointOnFailure      bool
	CheckpointOnCancellation bool
	// FailOnCheckpointError makes a failed save fatal to the running operation.
	FailOnCheckpointError bool
}

// Option sets one of the boolean retention flags.
type Option func(*Policy)

func DeleteOnCompletion() Option       { return func(p *Policy) { p.DeleteOnCompletion = true } }
func CheckpointOnFailure() Option      { return func(p *Policy) { p.CheckpointOnFailure = true } }
func CheckpointOnCancellation() Option { return func(p *Policy) { p.CheckpointOnCancellation = true } }
func FailOnCheckpointError() Option    { return func(p *Policy) { p.FailOnCheckpointError = true } }

// New builds a validated Policy.
func New(kind Kind, interval time.Duration, forceEveryN int, opts ...Option) (Policy, error) {
	p := Policy{Kind: kind, CheckpointInterval: interval, ForceEveryN: forceEveryN}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate reports the first out-of-range field as a validation error.
func (p Policy) Validate() error {
	if p.Kind == "" {
		return errmodel.Validation("invalid_policy", "policy kind is empty", nil)
	}
	if p.CheckpointInterval <= 0 {
		return errmodel.Validation("invalid_policy", "checkpoint interval must be positive",
			map[string]any{"kind": string(p.Kind), "checkpoint_interval": p.CheckpointInterval.String()})
	}
	if p.ForceEveryN <= 0 {
		return errmodel.Validation("invalid_policy", "force checkpoint count must be positive",
			map[string]any{"kind": string(p.Kind), "force_checkpoint_every_n": p.ForceEveryN})
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(interval=%s, force_every_n=%d)", p.Kind, p.CheckpointInterval, p.ForceEveryN)
}
