// Package postgres implements store.Store over PostgreSQL via pgx, the
// production persistence backend (see DESIGN.md for why Postgres over
// Redis/SQLite).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kandev/orchestrator/internal/common/database"
	"github.com/kandev/orchestrator/internal/store"
)

// Store implements store.Store over internal/common/database.DB.
type Store struct {
	db *database.DB
}

// Open wraps an already-connected database.DB and runs schema migrations.
func Open(ctx context.Context, db *database.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return s, nil
}

// Close implements store.Store. The pool's lifetime is owned by whoever
// constructed the database.DB, so Close is a no-op here; callers close the
// pool directly via database.DB.Close during shutdown.
func (s *Store) Close() error { return nil }

func now() time.Time { return time.Now().UTC() }

func emptyIfNil(b []byte, placeholder string) []byte {
	if len(b) == 0 {
		return []byte(placeholder)
	}
	return b
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- Workflow ---

func (s *Store) CreateWorkflow(ctx context.Context, nw store.NewWorkflow) (*store.Workflow, error) {
	depth := 0
	if nw.ParentWorkflowID != nil {
		parent, err := s.GetWorkflow(ctx, *nw.ParentWorkflowID)
		if err != nil {
			return nil, fmt.Errorf("postgres store: create workflow: load parent: %w", err)
		}
		depth = parent.WorkflowDepth + 1
	}

	t := now()
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO workflows (
			type, target_module, status, title, priority, payload,
			parent_workflow_id, workflow_depth, execution_order,
			auto_execute_children, created_at, updated_at
		) VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING *`,
		nw.Type, nw.TargetModule, nw.Title, nw.Priority, emptyIfNil(nw.Payload, "{}"),
		nw.ParentWorkflowID, depth, nw.ExecutionOrder, nw.AutoExecuteChildren, t,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create workflow: %w", err)
	}
	w, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.Workflow])
	if err != nil {
		return nil, fmt.Errorf("postgres store: create workflow: %w", err)
	}
	return w, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id int64) (*store.Workflow, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT * FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.Workflow])
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, id int64, status store.WorkflowStatus) error {
	t := now()
	if status.IsTerminal() {
		_, err := s.db.Pool().Exec(ctx,
			`UPDATE workflows SET status = $1, updated_at = $2, completed_at = $2,
				started_at = COALESCE(started_at, $2) WHERE id = $3`,
			status, t, id)
		return err
	}
	if status == store.WorkflowStatusPending {
		_, err := s.db.Pool().Exec(ctx,
			`UPDATE workflows SET status = $1, updated_at = $2 WHERE id = $3`, status, t, id)
		return err
	}
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2, started_at = COALESCE(started_at, $2) WHERE id = $3`,
		status, t, id)
	return err
}

func (s *Store) UpdateWorkflowPlan(ctx context.Context, id int64, planJSON []byte) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE workflows SET plan_json = $1, updated_at = $2 WHERE id = $3`, planJSON, now(), id)
	return err
}

func (s *Store) UpdateWorkflowPause(ctx context.Context, id int64, paused bool, reason *string) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE workflows SET is_paused = $1, pause_reason = $2, updated_at = $3 WHERE id = $4`,
		paused, reason, now(), id)
	return err
}

func (s *Store) UpdateWorkflowCheckpoint(ctx context.Context, id int64, commit string) error {
	t := now()
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE workflows SET checkpoint_commit = $1, checkpoint_created_at = $2, updated_at = $2 WHERE id = $3`,
		commit, t, id)
	return err
}

func (s *Store) ResetWorkflowForRetry(ctx context.Context, id int64) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE workflows SET status = 'pending', started_at = NULL, completed_at = NULL,
			retry_count = retry_count + 1, updated_at = $1
		WHERE id = $2`, now(), id)
	return err
}

// ResetWorkflowForCheckpoint resets a workflow to pending, clearing
// started_at/completed_at/plan_json but preserving
// checkpoint_commit/checkpoint_created_at and retry_count.
func (s *Store) ResetWorkflowForCheckpoint(ctx context.Context, id int64) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE workflows SET status = 'pending', started_at = NULL, completed_at = NULL,
			plan_json = NULL, updated_at = $1
		WHERE id = $2`, now(), id)
	return err
}

func (s *Store) ListRootWorkflows(ctx context.Context, f store.ListFilter) ([]*store.Workflow, error) {
	query := `SELECT * FROM workflows WHERE parent_workflow_id IS NULL`
	args := []any{}
	argN := 0
	next := func() string { argN++; return fmt.Sprintf("$%d", argN) }
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = %s", next())
		args = append(args, *f.Status)
	}
	if f.TargetModule != nil {
		query += fmt.Sprintf(" AND target_module = %s", next())
		args = append(args, *f.TargetModule)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", next(), next())
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.Workflow])
}

func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]*store.Workflow, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT * FROM workflows WHERE parent_workflow_id = $1 ORDER BY execution_order ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.Workflow])
}

const maxDepthGuard = 20

// Descendants returns every workflow in the subtree rooted at rootID,
// excluding rootID itself, via a depth-capped recursive CTE — the
// Postgres-native counterpart to sqlitestore's iterative breadth-first walk.
func (s *Store) Descendants(ctx context.Context, rootID int64) ([]*store.Workflow, error) {
	rows, err := s.db.Pool().Query(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT * FROM workflows WHERE parent_workflow_id = $1
			UNION ALL
			SELECT w.* FROM workflows w
			JOIN subtree s ON w.parent_workflow_id = s.id
			WHERE s.workflow_depth < $2
		)
		SELECT * FROM subtree`, rootID, maxDepthGuard)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.Workflow])
}

// RootOf walks parent_workflow_id to the tree root via a depth-capped
// recursive CTE, bounded the same way as Descendants.
func (s *Store) RootOf(ctx context.Context, id int64) (int64, error) {
	row := s.db.Pool().QueryRow(ctx, `
		WITH RECURSIVE ancestry AS (
			SELECT id, parent_workflow_id, 0 AS hops FROM workflows WHERE id = $1
			UNION ALL
			SELECT w.id, w.parent_workflow_id, a.hops + 1 FROM workflows w
			JOIN ancestry a ON w.id = a.parent_workflow_id
			WHERE a.hops < $2
		)
		SELECT id FROM ancestry ORDER BY hops DESC LIMIT 1`, id, maxDepthGuard)
	var rootID int64
	if err := row.Scan(&rootID); err != nil {
		return 0, err
	}
	return rootID, nil
}

func (s *Store) DeleteWorkflows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM workflows WHERE id = ANY($1)`, ids)
	return err
}

// --- QueueEntry ---

func (s *Store) CreateQueueEntry(ctx context.Context, nq store.NewQueueEntry) (*store.QueueEntry, error) {
	deps := store.IntSlice(nq.DependsOn)
	val, err := deps.Value()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO queue_entries (parent_workflow_id, child_workflow_id, execution_order, status, depends_on, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING *`,
		nq.ParentWorkflowID, nq.ChildWorkflowID, nq.ExecutionOrder, val, now())
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.QueueEntry])
}

func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*store.QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT * FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	q, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.QueueEntry])
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

func (s *Store) GetQueueEntryForChild(ctx context.Context, childWorkflowID int64) (*store.QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT * FROM queue_entries WHERE child_workflow_id = $1`, childWorkflowID)
	if err != nil {
		return nil, err
	}
	q, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.QueueEntry])
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

func (s *Store) ListQueueEntries(ctx context.Context, parentID int64) ([]*store.QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT * FROM queue_entries WHERE parent_workflow_id = $1 ORDER BY execution_order ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.QueueEntry])
}

func (s *Store) UpdateQueueEntryStatus(ctx context.Context, id int64, status store.QueueEntryStatus, errMsg *string) error {
	t := now()
	switch status {
	case store.QueueEntryStatusInProgress:
		_, err := s.db.Pool().Exec(ctx,
			`UPDATE queue_entries SET status = $1, started_at = $2 WHERE id = $3`, status, t, id)
		return err
	case store.QueueEntryStatusCompleted, store.QueueEntryStatusFailed, store.QueueEntryStatusCancelled, store.QueueEntryStatusSkipped:
		_, err := s.db.Pool().Exec(ctx,
			`UPDATE queue_entries SET status = $1, completed_at = $2, error_message = $3 WHERE id = $4`,
			status, t, errMsg, id)
		return err
	default:
		_, err := s.db.Pool().Exec(ctx, `UPDATE queue_entries SET status = $1 WHERE id = $2`, status, id)
		return err
	}
}

func (s *Store) ResetQueueEntry(ctx context.Context, id int64) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE queue_entries SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL
		WHERE id = $1`, id)
	return err
}

// GetNextExecutableChild returns the pending entry with the lowest
// execution_order whose depends_on entries are all completed. Kept as an
// application-level scan (mirroring sqlitestore) so
// the dependency-satisfaction rule lives in one place shared by both
// backends instead of being duplicated as two divergent SQL expressions.
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
	row := s.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped')
		FROM queue_entries WHERE parent_workflow_id = $1`, parentID)
	qs := &store.QueueStatus{}
	if err := row.Scan(&qs.Total, &qs.Pending, &qs.InProgress, &qs.Completed, &qs.Failed, &qs.Skipped); err != nil {
		return nil, err
	}
	return qs, nil
}

func (s *Store) DeleteQueueEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM queue_entries WHERE id = ANY($1)`, ids)
	return err
}

// --- AgentExecution ---

func (s *Store) CreateAgentExecution(ctx context.Context, na store.NewAgentExecution) (*store.AgentExecution, error) {
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO agent_executions (workflow_id, agent_type, status, input, started_at)
		VALUES ($1, $2, 'running', $3, $4)
		RETURNING *`,
		na.WorkflowID, na.AgentType, emptyIfNil(na.Input, "{}"), now())
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.AgentExecution])
}

func (s *Store) UpdateAgentExecutionStatus(ctx context.Context, id int64, status store.AgentExecutionStatus, output []byte, errMsg *string) error {
	t := now()
	var outVal any
	if len(output) > 0 {
		outVal = output
	}
	if status == store.AgentExecutionStatusCompleted || status == store.AgentExecutionStatusFailed {
		var started *time.Time
		_ = s.db.Pool().QueryRow(ctx, `SELECT started_at FROM agent_executions WHERE id = $1`, id).Scan(&started)
		var durationMs *int64
		if started != nil {
			d := t.Sub(*started).Milliseconds()
			durationMs = &d
		}
		_, err := s.db.Pool().Exec(ctx, `
			UPDATE agent_executions SET status = $1, output = $2, error_message = $3, completed_at = $4, duration_ms = $5
			WHERE id = $6`, status, outVal, errMsg, t, durationMs, id)
		return err
	}
	_, err := s.db.Pool().Exec(ctx, `UPDATE agent_executions SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *Store) ListAgentExecutions(ctx context.Context, workflowID int64) ([]*store.AgentExecution, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT * FROM agent_executions WHERE workflow_id = $1 ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.AgentExecution])
}

func (s *Store) ListRunningAgentExecutions(ctx context.Context, olderThanUnixSeconds int64) ([]*store.AgentExecution, error) {
	cutoff := time.Unix(olderThanUnixSeconds, 0).UTC()
	rows, err := s.db.Pool().Query(ctx,
		`SELECT * FROM agent_executions WHERE status = 'running' AND started_at <= $1`, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.AgentExecution])
}

func (s *Store) DeleteAgentExecutions(ctx context.Context, workflowIDs []int64) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM agent_executions WHERE workflow_id = ANY($1)`, workflowIDs)
	return err
}

// --- Artifact ---

func (s *Store) CreateArtifact(ctx context.Context, na store.NewArtifact) (*store.Artifact, error) {
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO artifacts (workflow_id, agent_execution_id, type, file_path, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *`,
		na.WorkflowID, na.AgentExecutionID, na.Type, na.FilePath, na.Content, emptyIfNil(na.Metadata, "{}"), now())
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.Artifact])
}

func (s *Store) ListArtifacts(ctx context.Context, workflowID int64) ([]*store.Artifact, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT * FROM artifacts WHERE workflow_id = $1 ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.Artifact])
}

func (s *Store) DeleteArtifacts(ctx context.Context, workflowIDs []int64) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM artifacts WHERE workflow_id = ANY($1)`, workflowIDs)
	return err
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
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO workflow_messages (
			workflow_id, agent_execution_id, message_type, agent_type, content, metadata,
			action_type, action_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *`,
		nm.WorkflowID, nm.AgentExecutionID, nm.MessageType, nm.AgentType, nm.Content, emptyIfNil(nm.Metadata, "{}"),
		nm.ActionType, status, now())
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.WorkflowMessage])
}

func (s *Store) ListMessages(ctx context.Context, workflowID int64, limit, offset int) ([]*store.WorkflowMessage, error) {
	query := `SELECT * FROM workflow_messages WHERE workflow_id = $1 ORDER BY created_at ASC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.WorkflowMessage])
}

// NextPendingInterrupt returns the earliest pending user interrupt message,
// ordered by created_at ascending.
func (s *Store) NextPendingInterrupt(ctx context.Context, workflowID int64) (*store.WorkflowMessage, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT * FROM workflow_messages
		WHERE workflow_id = $1 AND message_type = 'user' AND action_status = 'pending'
			AND action_type IN ('pause', 'cancel', 'redirect', 'instruction')
		ORDER BY created_at ASC LIMIT 1`, workflowID)
	if err != nil {
		return nil, err
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.WorkflowMessage])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMessageActionStatus(ctx context.Context, id int64, status store.ActionStatus) error {
	_, err := s.db.Pool().Exec(ctx, `UPDATE workflow_messages SET action_status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *Store) DeleteMessages(ctx context.Context, workflowIDs []int64) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM workflow_messages WHERE workflow_id = ANY($1)`, workflowIDs)
	return err
}

// --- ExecutionLog ---

func (s *Store) CreateLog(ctx context.Context, nl store.NewLog) (*store.ExecutionLog, error) {
	var metadata any
	if len(nl.Metadata) > 0 {
		metadata = nl.Metadata
	}
	rows, err := s.db.Pool().Query(ctx, `
		INSERT INTO execution_logs (workflow_id, agent_execution_id, log_level, message, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		nl.WorkflowID, nl.AgentExecutionID, nl.LogLevel, nl.Message, now(), metadata)
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[store.ExecutionLog])
}

func (s *Store) ListLogs(ctx context.Context, workflowID int64, agentExecutionID *int64, limit int) ([]*store.ExecutionLog, error) {
	query := `SELECT * FROM execution_logs WHERE workflow_id = $1`
	args := []any{workflowID}
	argN := 1
	if agentExecutionID != nil {
		argN++
		query += fmt.Sprintf(" AND agent_execution_id = $%d", argN)
		args = append(args, *agentExecutionID)
	}
	query += " ORDER BY timestamp ASC"
	if limit > 0 {
		argN++
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, limit)
	}
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[store.ExecutionLog])
}

func (s *Store) DeleteLogs(ctx context.Context, workflowIDs []int64) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM execution_logs WHERE workflow_id = ANY($1)`, workflowIDs)
	return err
}
