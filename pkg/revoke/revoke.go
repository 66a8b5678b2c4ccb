package revoke

import "context"

// Store answers "is this task revoked" for workers.
type Store interface {
	// Revoke marks a task id revoked. With terminate, in-flight
	// executions are cancelled too; without it only tasks not yet
	// started are affected.
	Revoke(ctx context.Context, id string, terminate bool) error

	// RevokeMany revokes a batch of ids with one flag.
	RevokeMany(ctx context.Context, ids []string, terminate bool) error

	// Contains reports whether an id is revoked. Hot path: must not
	// block on I/O.
	Contains(id string) bool

	// Terminating reports whether an id is revoked with termination.
	Terminating(id string) bool

	// Enumerate snapshots the known revocations as id → terminate.
	Enumerate() map[string]bool

	// Forget drops an id, typically after its task reached a terminal
	// state and can never run again.
	Forget(ctx context.Context, id string) error

	Close() error
}
