package backend

import (
	"context"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// DefaultResultTTL bounds how long results stay queryable.
const DefaultResultTTL = 24 * time.Hour

// Backend stores task state and results.
type Backend interface {
	// SetState records a state transition. Writes onto a terminal
	// state are dropped; invalid transitions return an error.
	SetState(ctx context.Context, id string, state core.TaskState) error

	// GetState reports the current state. Unknown ids are Pending:
	// a producer may hold an id the backend has never seen.
	GetState(ctx context.Context, id string) (core.TaskState, error)

	// SetResult atomically writes a terminal (or Retry) result and its
	// state, subject to the result TTL. Wakes WaitForResult callers on
	// terminal states.
	SetResult(ctx context.Context, res *core.TaskResult) error

	// GetResult returns the stored result, or ErrResultNotReady.
	GetResult(ctx context.Context, id string) (*core.TaskResult, error)

	// WaitForResult blocks until a terminal result exists or ctx ends.
	WaitForResult(ctx context.Context, id string) (*core.TaskResult, error)

	// GetMany returns the results that exist; missing ids are absent
	// from the map, not errors.
	GetMany(ctx context.Context, ids []string) (map[string]*core.TaskResult, error)

	// Delete forgets a task's state and result.
	Delete(ctx context.Context, id string) error

	// ChordJoin deposits one chord member's value and reports whether
	// this deposit completed the barrier. done is true for exactly one
	// caller per chord; that caller receives all values in member
	// order.
	ChordJoin(ctx context.Context, chordID string, size, index int, value []byte) (done bool, results [][]byte, err error)

	// ChordAbort marks a chord failed. Returns true for the first
	// caller only; later deposits still join but never fire.
	ChordAbort(ctx context.Context, chordID, reason string) (bool, error)

	// ChordAborted reports the abort reason, if any.
	ChordAborted(ctx context.Context, chordID string) (string, bool, error)

	// AcquireBeatSlot claims a named periodic slot. Exactly one caller
	// per (name, slot) wins; the claim expires after ttl.
	AcquireBeatSlot(ctx context.Context, name, slot string, ttl time.Duration) (bool, error)

	// AddRevocation records a task id as revoked, optionally with
	// termination of in-flight execution.
	AddRevocation(ctx context.Context, id string, terminate bool) error

	// ListRevocations returns all known revocations as id → terminate.
	ListRevocations(ctx context.Context) (map[string]bool, error)

	// RemoveRevocation drops a revocation, typically once its task is
	// terminal and can never run again.
	RemoveRevocation(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
