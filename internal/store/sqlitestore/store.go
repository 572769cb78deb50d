// Package sqlitestore implements store.Store over SQLite. It exists as the
// fast, file-less backend for component tests (QueueEngine, Scheduler,
// CheckpointRewind, Recovery) against a real SQL engine; production
// deployments use internal/store/postgres instead (see DESIGN.md).
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/store"
)

// Store implements store.Store over a SQLite database, following the
// idempotent-migration, single-writer-connection convention common to
// SQLite-backed test stores.
type Store struct {
	db *sqlx.DB
}

// Open creates a new SQLite-backed Store at path (use ":memory:" for tests)
// and runs the schema migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&cache=shared"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: connect: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer discipline
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection so callers (sqlitelock, tests) can
// share it rather than opening a second handle onto the same file.
func (s *Store) DB() *sqlx.DB { return s.db }

func now() time.Time { return time.Now().UTC() }

func emptyIfNil(b []byte, placeholder string) string {
	if len(b) == 0 {
		return placeholder
	}
	return string(b)
}

// --- Workflow ---

func (s *Store) CreateWorkflow(ctx context.Context, nw store.NewWorkflow) (*store.Workflow, error) {
	depth := 0
	if nw.ParentWorkflowID != nil {
		parent, err := s.GetWorkflow(ctx, *nw.ParentWorkflowID)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: create workflow: load parent: %w", err)
		}
		depth = parent.WorkflowDepth + 1
	}

	t := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (
			type, target_module, status, title, priority, payload,
			parent_workflow_id, workflow_depth, execution_order,
			auto_execute_children, created_at, updated_at
		) VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nw.Type, nw.TargetModule, nw.Title, nw.Priority, emptyIfNil(nw.Payload, "{}"),
		nw.ParentWorkflowID, depth, nw.ExecutionOrder, nw.AutoExecuteChildren,
		t, t,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: create workflow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetWorkflow(ctx, id)
}

func (s *Store) GetWorkflow(ctx context.Context, id int64) (*store.Workflow, error) {
	var w store.Workflow
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, id int64, status store.WorkflowStatus) error {
	t := now()
	if status.IsTerminal() {
		_, err := s.db.ExecContext(ctx,
			`UPDATE workflows SET status = ?, updated_at = ?, completed_at = ?,
				started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, t, t, t, id)
		return err
	}
	if status == store.WorkflowStatusPending {
		_, err := s.db.ExecContext(ctx,
			`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`, status, t, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
		status, t, t, id)
	return err
}

func (s *Store) UpdateWorkflowPlan(ctx context.Context, id int64, planJSON []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET plan_json = ?, updated_at = ? WHERE id = ?`, string(planJSON), now(), id)
	return err
}

func (s *Store) UpdateWorkflowPause(ctx context.Context, id int64, paused bool, reason *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET is_paused = ?, pause_reason = ?, updated_at = ? WHERE id = ?`,
		paused, reason, now(), id)
	return err
}

func (s *Store) UpdateWorkflowCheckpoint(ctx context.Context, id int64, commit string) error {
	t := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET checkpoint_commit = ?, checkpoint_created_at = ?, updated_at = ? WHERE id = ?`,
		commit, t, t, id)
	return err
}

func (s *Store) ResetWorkflowForRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = 'pending', started_at = NULL, completed_at = NULL,
			retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`, now(), id)
	return err
}

// ResetWorkflowForCheckpoint resets a workflow to pending, clearing
// started_at/completed_at/plan_json but preserving
// checkpoint_commit/checkpoint_created_at and retry_count.
func (s *Store) ResetWorkflowForCheckpoint(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = 'pending', started_at = NULL, completed_at = NULL,
			plan_json = NULL, updated_at = ?
		WHERE id = ?`, now(), id)
	return err
}

func (s *Store) ListRootWorkflows(ctx context.Context, f store.ListFilter) ([]*store.Workflow, error) {
	query := `SELECT * FROM workflows WHERE parent_workflow_id IS NULL`
	args := []any{}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.TargetModule != nil {
		query += ` AND target_module = ?`
		args = append(args, *f.TargetModule)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	var out []*store.Workflow
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]*store.Workflow, error) {
	var out []*store.Workflow
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM workflows WHERE parent_workflow_id = ? ORDER BY execution_order ASC`, parentID); err != nil {
		return nil, err
	}
	return out, nil
}

const maxDepthGuard = 20

// Descendants returns every workflow in the subtree rooted at rootID,
// excluding rootID itself, via iterative breadth-first expansion capped at
// maxDepthGuard levels (the Postgres store uses a recursive CTE with the
// same cap).
func (s *Store) Descendants(ctx context.Context, rootID int64) ([]*store.Workflow, error) {
	var out []*store.Workflow
	frontier := []int64{rootID}
	for depth := 0; len(frontier) > 0 && depth <= maxDepthGuard; depth++ {
		var next []int64
		for _, parentID := range frontier {
			children, err := s.ListChildren(ctx, parentID)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// RootOf walks parent_workflow_id to the tree root, capped at maxDepthGuard
// hops to defend against cycles.
func (s *Store) RootOf(ctx context.Context, id int64) (int64, error) {
	current := id
	for i := 0; i <= maxDepthGuard; i++ {
		w, err := s.GetWorkflow(ctx, current)
		if err != nil {
			return 0, err
		}
		if w.ParentWorkflowID == nil {
			return w.ID, nil
		}
		current = *w.ParentWorkflowID
	}
	// Cycle or excessive depth: return the node reached at the cap rather
	// than crash.
	logger.Default().Warn("store: depth cap reached walking parent_workflow_id",
		zap.Error(orcerr.New(orcerr.KindInvariantViolation, id, "possible cycle or excessive depth in parent chain")))
	return current, nil
}

func (s *Store) DeleteWorkflows(ctx context.Context, ids []int64) error {
	return s.execEach(ctx, `DELETE FROM workflows WHERE id = ?`, ids)
}

func (s *Store) execEach(ctx context.Context, query string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// --- QueueEntry ---

func (s *Store) CreateQueueEntry(ctx context.Context, nq store.NewQueueEntry) (*store.QueueEntry, error) {
	deps := store.IntSlice(nq.DependsOn)
	val, err := deps.Value()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (parent_workflow_id, child_workflow_id, execution_order, status, depends_on, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		nq.ParentWorkflowID, nq.ChildWorkflowID, nq.ExecutionOrder, val, now())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetQueueEntry(ctx, id)
}

func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*store.QueueEntry, error) {
	var q store.QueueEntry
	err := s.db.GetContext(ctx, &q, `SELECT * FROM queue_entries WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) GetQueueEntryForChild(ctx context.Context, childWorkflowID int64) (*store.QueueEntry, error) {
	var q store.QueueEntry
	err := s.db.GetContext(ctx, &q, `SELECT * FROM queue_entries WHERE child_workflow_id = ?`, childWorkflowID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) ListQueueEntries(ctx context.Context, parentID int64) ([]*store.QueueEntry, error) {
	var out []*store.QueueEntry
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM queue_entries WHERE parent_workflow_id = ? ORDER BY execution_order ASC`, parentID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateQueueEntryStatus(ctx context.Context, id int64, status store.QueueEntryStatus, errMsg *string) error {
	t := now()
	switch status {
	case store.QueueEntryStatusInProgress:
		_, err := s.db.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, started_at = ? WHERE id = ?`, status, t, id)
		return err
	case store.QueueEntryStatusCompleted, store.QueueEntryStatusFailed, store.QueueEntryStatusCancelled, store.QueueEntryStatusSkipped:
		_, err := s.db.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
			status, t, errMsg, id)
		return err
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET status = ? WHERE id = ?`, status, id)
		return err
	}
}

func (s *Store) ResetQueueEntry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL
		WHERE id = ?`, id)
	return err
}

// GetNextExecutableChild returns the pending entry with the lowest
// execution_order whose depends_on entries are all completed.
func (s *Store) GetNextExecutableChild(ctx context.Context, parentID int64) (*store.QueueEntry, error) {
	entries, err := s.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, err
	}
	completedOrders := map[int]bool{}
	for _, e := range entries {
		if e.Status == store.QueueEntryStatusCompleted {
			completedOrders[e.ExecutionOrder] = true
		}
	}
	for _, e := range entries {
		if e.Status != store.QueueEntryStatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range e.DependsOn {
			if !completedOrders[dep] {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			return e, nil
		}
	}
	return nil, nil
}

func (s *Store) GetQueueStatus(ctx context.Context, parentID int64) (*store.QueueStatus, error) {
	entries, err := s.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, err
	}
	qs := &store.QueueStatus{}
	for _, e := range entries {
		qs.Total++
		switch e.Status {
		case store.QueueEntryStatusPending:
			qs.Pending++
		case store.QueueEntryStatusInProgress:
			qs.InProgress++
		case store.QueueEntryStatusCompleted:
			qs.Completed++
		case store.QueueEntryStatusFailed:
			qs.Failed++
		case store.QueueEntryStatusSkipped:
			qs.Skipped++
		}
	}
	return qs, nil
}

func (s *Store) DeleteQueueEntries(ctx context.Context, ids []int64) error {
	return s.execEach(ctx, `DELETE FROM queue_entries WHERE id = ?`, ids)
}

// --- AgentExecution ---

func (s *Store) CreateAgentExecution(ctx context.Context, na store.NewAgentExecution) (*store.AgentExecution, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_executions (workflow_id, agent_type, status, input, started_at)
		VALUES (?, ?, 'running', ?, ?)`,
		na.WorkflowID, na.AgentType, emptyIfNil(na.Input, "{}"), now())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	var a store.AgentExecution
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM agent_executions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) UpdateAgentExecutionStatus(ctx context.Context, id int64, status store.AgentExecutionStatus, output []byte, errMsg *string) error {
	t := now()
	var outStr *string
	if len(output) > 0 {
		v := string(output)
		outStr = &v
	}
	if status == store.AgentExecutionStatusCompleted || status == store.AgentExecutionStatusFailed {
		var started sql.NullTime
		_ = s.db.GetContext(ctx, &started, `SELECT started_at FROM agent_executions WHERE id = ?`, id)
		var durationMs *int64
		if started.Valid {
			d := t.Sub(started.Time).Milliseconds()
			durationMs = &d
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_executions SET status = ?, output = ?, error_message = ?, completed_at = ?, duration_ms = ?
			WHERE id = ?`, status, outStr, errMsg, t, durationMs, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE agent_executions SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) ListAgentExecutions(ctx context.Context, workflowID int64) ([]*store.AgentExecution, error) {
	var out []*store.AgentExecution
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM agent_executions WHERE workflow_id = ? ORDER BY id ASC`, workflowID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListRunningAgentExecutions(ctx context.Context, olderThanUnixSeconds int64) ([]*store.AgentExecution, error) {
	cutoff := time.Unix(olderThanUnixSeconds, 0).UTC()
	var out []*store.AgentExecution
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM agent_executions WHERE status = 'running' AND started_at <= ?`, cutoff); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteAgentExecutions(ctx context.Context, workflowIDs []int64) error {
	return s.execEach(ctx, `DELETE FROM agent_executions WHERE workflow_id = ?`, workflowIDs)
}

// --- Artifact ---

func (s *Store) CreateArtifact(ctx context.Context, na store.NewArtifact) (*store.Artifact, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (workflow_id, agent_execution_id, type, file_path, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		na.WorkflowID, na.AgentExecutionID, na.Type, na.FilePath, na.Content, emptyIfNil(na.Metadata, "{}"), now())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	var a store.Artifact
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM artifacts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, workflowID int64) ([]*store.Artifact, error) {
	var out []*store.Artifact
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM artifacts WHERE workflow_id = ? ORDER BY id ASC`, workflowID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteArtifacts(ctx context.Context, workflowIDs []int64) error {
	return s.execEach(ctx, `DELETE FROM artifacts WHERE workflow_id = ?`, workflowIDs)
}

// --- WorkflowMessage ---

func (s *Store) CreateMessage(ctx context.Context, nm store.NewMessage) (*store.WorkflowMessage, error) {
	status := store.ActionStatusProcessed
	if nm.MessageType == store.MessageTypeUser {
		switch nm.ActionType {
		case store.ActionTypePause, store.ActionTypeCancel, store.ActionTypeRedirect, store.ActionTypeInstruction:
			status = store.ActionStatusPending
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_messages (
			workflow_id, agent_execution_id, message_type, agent_type, content, metadata,
			action_type, action_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.WorkflowID, nm.AgentExecutionID, nm.MessageType, nm.AgentType, nm.Content, emptyIfNil(nm.Metadata, "{}"),
		nm.ActionType, status, now())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	var m store.WorkflowMessage
	if err := s.db.GetContext(ctx, &m, `SELECT * FROM workflow_messages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, workflowID int64, limit, offset int) ([]*store.WorkflowMessage, error) {
	query := `SELECT * FROM workflow_messages WHERE workflow_id = ? ORDER BY created_at ASC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	var out []*store.WorkflowMessage
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// NextPendingInterrupt returns the earliest pending user interrupt message,
// ordered by created_at ascending.
func (s *Store) NextPendingInterrupt(ctx context.Context, workflowID int64) (*store.WorkflowMessage, error) {
	var m store.WorkflowMessage
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM workflow_messages
		WHERE workflow_id = ? AND message_type = 'user' AND action_status = 'pending'
			AND action_type IN ('pause', 'cancel', 'redirect', 'instruction')
		ORDER BY created_at ASC LIMIT 1`, workflowID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpdateMessageActionStatus(ctx context.Context, id int64, status store.ActionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workflow_messages SET action_status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteMessages(ctx context.Context, workflowIDs []int64) error {
	return s.execEach(ctx, `DELETE FROM workflow_messages WHERE workflow_id = ?`, workflowIDs)
}

// --- ExecutionLog ---

func (s *Store) CreateLog(ctx context.Context, nl store.NewLog) (*store.ExecutionLog, error) {
	var metadata any
	if len(nl.Metadata) > 0 {
		metadata = string(nl.Metadata)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (workflow_id, agent_execution_id, log_level, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nl.WorkflowID, nl.AgentExecutionID, nl.LogLevel, nl.Message, now(), metadata)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	var l store.ExecutionLog
	if err := s.db.GetContext(ctx, &l, `SELECT * FROM execution_logs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) ListLogs(ctx context.Context, workflowID int64, agentExecutionID *int64, limit int) ([]*store.ExecutionLog, error) {
	query := `SELECT * FROM execution_logs WHERE workflow_id = ?`
	args := []any{workflowID}
	if agentExecutionID != nil {
		query += ` AND agent_execution_id = ?`
		args = append(args, *agentExecutionID)
	}
	query += ` ORDER BY timestamp ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*store.ExecutionLog
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteLogs(ctx context.Context, workflowIDs []int64) error {
	return s.execEach(ctx, `DELETE FROM execution_logs WHERE workflow_id = ?`, workflowIDs)
}
