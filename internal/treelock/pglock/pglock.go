// Package pglock implements treelock.Locker over the same Postgres database
// as the production Store, using the tree_locks table created by
// internal/store/postgres's schema migration.
package pglock

import (
	"context"
	"time"

	"github.com/kandev/orchestrator/internal/common/database"
)

// Locker implements treelock.Locker over a shared tree_locks table.
type Locker struct {
	db *database.DB
}

// New wraps an already-connected database.DB. The tree_locks table is
// created by internal/store/postgres's migration, so pglock assumes it
// already exists rather than migrating it itself.
func New(db *database.DB) *Locker {
	return &Locker{db: db}
}

// Acquire implements treelock.Locker via INSERT ... ON CONFLICT DO UPDATE,
// a Postgres-native SET-NX-with-expiry equivalent to a Redis lock: the row
// is claimed if it doesn't exist, or if it exists but its lease has already
// expired.
func (l *Locker) Acquire(ctx context.Context, rootWorkflowID int64, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	tag, err := l.db.Pool().Exec(ctx, `
		INSERT INTO tree_locks (root_workflow_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (root_workflow_id) DO UPDATE
			SET expires_at = EXCLUDED.expires_at
			WHERE tree_locks.expires_at <= now()`,
		rootWorkflowID, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements treelock.Locker.
func (l *Locker) Release(ctx context.Context, rootWorkflowID int64) error {
	_, err := l.db.Pool().Exec(ctx, `DELETE FROM tree_locks WHERE root_workflow_id = $1`, rootWorkflowID)
	return err
}

// ClearAll implements treelock.Locker.
func (l *Locker) ClearAll(ctx context.Context) error {
	_, err := l.db.Pool().Exec(ctx, `DELETE FROM tree_locks`)
	return err
}
