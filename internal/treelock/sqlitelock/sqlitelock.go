// Package sqlitelock implements treelock.Locker over the SQLite tree_locks
// table created by internal/store/sqlitestore's migration, for use only in
// tests that exercise the Scheduler/QueueEngine against the SQLite Store
// backend.
package sqlitelock

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Locker implements treelock.Locker over a shared tree_locks table.
type Locker struct {
	db *sqlx.DB
}

// New wraps an already-migrated *sqlx.DB (the same handle as the
// sqlitestore.Store it guards).
func New(db *sqlx.DB) *Locker {
	return &Locker{db: db}
}

// Acquire implements treelock.Locker. SQLite has no ON CONFLICT ... WHERE
// take-over clause usable across drivers uniformly, so the expired-lease
// takeover is a delete-then-insert pair inside one transaction, which is
// sufficient because sqlitestore.Store enforces a single writer connection.
func (l *Locker) Acquire(ctx context.Context, rootWorkflowID int64, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tree_locks WHERE root_workflow_id = ? AND expires_at <= ?`, rootWorkflowID, now); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO tree_locks (root_workflow_id, expires_at) VALUES (?, ?)`,
		rootWorkflowID, expiresAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil // deferred Rollback discards the no-op delete+insert
	}
	return true, tx.Commit()
}

// Release implements treelock.Locker.
func (l *Locker) Release(ctx context.Context, rootWorkflowID int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM tree_locks WHERE root_workflow_id = ?`, rootWorkflowID)
	return err
}

// ClearAll implements treelock.Locker.
func (l *Locker) ClearAll(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM tree_locks`)
	return err
}
