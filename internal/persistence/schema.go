package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_agent TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		can_parallelize INTEGER NOT NULL DEFAULT 1,
		writes_files TEXT NOT NULL DEFAULT '',
		diagnostic TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		current_task TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		last_active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		task_ids TEXT NOT NULL,
		strategy TEXT NOT NULL,
		resolved_strategy TEXT NOT NULL DEFAULT '',
		on_failure TEXT NOT NULL DEFAULT 'continue',
		status TEXT NOT NULL,
		failed INTEGER NOT NULL DEFAULT 0,
		results TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL,
		phase TEXT NOT NULL,
		passed INTEGER NOT NULL,
		diagnostic TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
