package sqlitestore

// schemaStatements is the core schema, issued as idempotent
// CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS statements.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		target_module TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		title TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		plan_json TEXT,
		branch_name TEXT,
		parent_workflow_id INTEGER REFERENCES workflows(id) ON DELETE CASCADE,
		workflow_depth INTEGER NOT NULL DEFAULT 0,
		execution_order INTEGER NOT NULL DEFAULT 0,
		auto_execute_children INTEGER NOT NULL DEFAULT 1,
		is_paused INTEGER NOT NULL DEFAULT 0,
		pause_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		checkpoint_commit TEXT,
		checkpoint_created_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_parent ON workflows(parent_workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

	`CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		child_workflow_id INTEGER NOT NULL UNIQUE REFERENCES workflows(id) ON DELETE CASCADE,
		execution_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		depends_on TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_parent_order ON queue_entries(parent_workflow_id, execution_order)`,

	`CREATE TABLE IF NOT EXISTS agent_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		duration_ms INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_workflow ON agent_executions(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_status ON agent_executions(status)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id INTEGER NOT NULL REFERENCES agent_executions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		file_path TEXT,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,

	`CREATE TABLE IF NOT EXISTS workflow_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id INTEGER REFERENCES agent_executions(id) ON DELETE SET NULL,
		message_type TEXT NOT NULL,
		agent_type TEXT,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		action_type TEXT NOT NULL DEFAULT 'comment',
		action_status TEXT NOT NULL DEFAULT 'processed',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_workflow_created ON workflow_messages(workflow_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_action_status ON workflow_messages(action_status)`,

	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		agent_execution_id INTEGER REFERENCES agent_executions(id) ON DELETE SET NULL,
		log_level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_workflow ON execution_logs(workflow_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS tree_locks (
		root_workflow_id INTEGER PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL
	)`,
}
