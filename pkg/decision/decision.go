// Package decision answers one question at every natural boundary of a
// long-running operation: should progress be checkpointed now?
//
// ShouldCheckpoint is a pure function of the policy, the time of the last
// checkpoint, the current time and the boundary counters. The rules are
// evaluated in a fixed priority order and the forced-boundary rule always wins
// over the time rule.
package decision

import (
	"time"

	"github.com/wilhg/ckpt/pkg/policy"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonFirstBoundary    Reason = "first boundary, nothing to save yet"
	ReasonForcedBoundary   Reason = "forced boundary"
	ReasonTimeThresholdMet Reason = "time threshold met"
	ReasonInsufficientTime Reason = "insufficient time elapsed"
)

// Decision is the ephemeral result of ShouldCheckpoint. It is never persisted.
type Decision struct {
	Checkpoint bool
	Reason     Reason
}

// ShouldCheckpoint decides whether naturalBoundary (1-based) warrants a checkpoint.
// totalBoundaries is informational and does not change the outcome.
func ShouldCheckpoint(p policy.Policy, lastCheckpoint, now time.Time, naturalBoundary, totalBoundaries int) Decision {
	if naturalBoundary == 1 {
		return Decision{Checkpoint: false, Reason: ReasonFirstBoundary}
	}
	if p.ForceEveryN > 0 && naturalBoundary%p.ForceEveryN == 0 {
		return Decision{Checkpoint: true, Reason: ReasonForcedBoundary}
	}
	if now.Sub(lastCheckpoint) >= p.CheckpointInterval {
		return Decision{Checkpoint: true, Reason: ReasonTimeThresholdMet}
	}
	return Decision{Checkpoint: false, Reason: ReasonInsufficientTime}
}
