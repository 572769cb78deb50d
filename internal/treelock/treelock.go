// Package treelock defines the TTL'd, keyed mutex that serializes advance()
// calls against a single workflow tree: only one goroutine, in this process
// or another, may hold the lock for a given root workflow id at a time.
package treelock

import (
	"context"
	"time"
)

// Locker is the TreeLock contract. Implementations back it with a shared
// table (internal/treelock/pglock for production, internal/treelock/
// sqlitelock for tests) so the lock is visible across every orchestrator
// process sharing that database, not just within one.
type Locker interface {
	// Acquire attempts to take the lock for rootWorkflowID for ttl. It
	// returns true if the lock was acquired (or re-acquired by the same
	// holder is NOT assumed — callers must not call Acquire twice for a
	// lock they already hold), false if another holder's lease has not
	// yet expired.
	Acquire(ctx context.Context, rootWorkflowID int64, ttl time.Duration) (bool, error)

	// Release drops the lock for rootWorkflowID. It is idempotent: releasing
	// a lock that is not held (already expired or never acquired) is not an
	// error.
	Release(ctx context.Context, rootWorkflowID int64) error

	// ClearAll removes every lock row regardless of expiry, used once by
	// Recovery at startup so no stale lock from a previous process survives
	// a restart.
	ClearAll(ctx context.Context) error
}
