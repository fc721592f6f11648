package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskforge/internal/scheduler"
)

const taskColumns = `id, project_id, title, description, agent_type, status, priority,
	assigned_agent, retry_count, can_parallelize, writes_files, diagnostic, created_at, updated_at`

// SaveTask saves or updates a task and its dependencies.
// An update carrying an older updated_at than the stored row is ignored, so
// saves racing each other settle on the newest state.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	writesFiles := strings.Join(task.WritesFiles, ",")

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				project_id = excluded.project_id,
				title = excluded.title,
				description = excluded.description,
				agent_type = excluded.agent_type,
				status = excluded.status,
				priority = excluded.priority,
				assigned_agent = excluded.assigned_agent,
				retry_count = excluded.retry_count,
				can_parallelize = excluded.can_parallelize,
				writes_files = excluded.writes_files,
				diagnostic = excluded.diagnostic,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= tasks.updated_at
		`, task.ID, task.ProjectID, task.Title, task.Description, task.AgentType, string(task.Status), task.Priority,
			task.AssignedAgent, task.RetryCount, boolToInt(task.CanParallelize), writesFiles, task.Diagnostic,
			toUnix(task.CreatedAt), toUnix(task.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert task: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Stale save, a newer state is already stored.
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
			return fmt.Errorf("failed to delete old dependencies: %w", err)
		}

		for _, depID := range task.DependsOn {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
			}
			if err != nil {
				return fmt.Errorf("failed to check dependency existence: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id)
				VALUES (?, ?)
			`, task.ID, depID); err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return task, nil
}

// ListTasks returns the project's tasks with their dependencies, oldest first.
// An empty projectID lists every task.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ? = '' OR project_id = ?
		ORDER BY created_at, id
	`, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*scheduler.Task{}
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Load every edge in one pass instead of one query per task.
	depRows, err := s.db.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{DependsOn: []string{}}
	var (
		status         string
		canParallelize int
		writesFiles    string
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Description, &task.AgentType, &status, &task.Priority,
		&task.AssignedAgent, &task.RetryCount, &canParallelize, &writesFiles, &task.Diagnostic, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.TaskStatus(status)
	task.CanParallelize = canParallelize != 0
	if writesFiles != "" {
		task.WritesFiles = strings.Split(writesFiles, ",")
	}
	task.CreatedAt = fromUnix(createdAt)
	task.UpdatedAt = fromUnix(updatedAt)
	return task, nil
}
