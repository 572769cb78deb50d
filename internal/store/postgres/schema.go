package postgres

import "context"

// schemaStatements is the production schema, issued as idempotent
// CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS statements, the
// same migration style as the SQLite test double (internal/store/
// sqlitestore/schema.go) translated to Postgres types (BIGSERIAL, JSONB,
// TIMESTAMPTZ, BOOLEAN).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		target_module TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		title TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		payload JSONB NOT NULL DEFAULT '{}',
		plan_json JSONB,
		branch_name TEXT,
		parent_workflow_id BIGINT REFERENCES workflows(id) ON DELETE CASCADE,
		workflow_depth INTEGER NOT NULL DEFAULT 0,
		execution_order INTEGER NOT NULL DEFAULT 0,
		auto_execute_children BOOLEAN NOT NULL DEFAULT TRUE,
		is_paused BOOLEAN NOT NULL DEFAULT FALSE,
		pause_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		checkpoint_commit TEXT,
		checkpoint_created_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_parent ON workflows(parent_workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

	`CREATE TABLE IF NOT EXISTS queue_entries (
		id BIGSERIAL PRIMARY KEY,
		parent_workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		child_workflow_id BIGINT NOT NULL UNIQUE REFERENCES workflows(id) ON DELETE CASCADE,
		execution_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		depends_on JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_parent_order ON queue_entries(parent_workflow_id, execution_order)`,

	`CREATE TABLE IF NOT EXISTS agent_executions (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input JSONB NOT NULL DEFAULT '{}',
		output JSONB,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_workflow ON agent_executions(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_status ON agent_executions(status)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id BIGINT NOT NULL REFERENCES agent_executions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		file_path TEXT,
		content TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,

	`CREATE TABLE IF NOT EXISTS workflow_messages (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id BIGINT REFERENCES agent_executions(id) ON DELETE SET NULL,
		message_type TEXT NOT NULL,
		agent_type TEXT,
		content TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		action_type TEXT NOT NULL DEFAULT 'comment',
		action_status TEXT NOT NULL DEFAULT 'processed',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_workflow_created ON workflow_messages(workflow_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_action_status ON workflow_messages(action_status)`,

	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id BIGINT REFERENCES agent_executions(id) ON DELETE SET NULL,
		log_level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_workflow ON execution_logs(workflow_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS tree_locks (
		root_workflow_id BIGINT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// migrate runs schemaStatements against the pool, in order. Each statement
// uses IF NOT EXISTS so re-running against an already-migrated database is
// a no-op.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Pool().Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
