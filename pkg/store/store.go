// Package store defines the metadata persistence contracts behind checkpoints
// and the operations ledger. Implementations must provide identical semantics
// across backends (SQLite, PostgreSQL, in-memory) so that a checkpoint written
// by one process can be resumed by another.
package store

import "errors"

// ErrNotFound is returned by lookups of a single row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique key is already taken.
var ErrConflict = errors.New("store: conflict")

// Operation lifecycle statuses.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// IsTerminal reports whether status ends an operation's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
