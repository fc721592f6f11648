package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/taskforge/internal/scheduler"
)

// SaveAttempt appends one generate/verify round to the attempt log.
// The log is append-only.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, a scheduler.Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, agent_id, attempt, phase, passed, diagnostic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.TaskID, a.AgentID, a.Number, a.Phase, boolToInt(a.Passed), a.Diagnostic, toUnix(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a task's attempt log in insertion order.
// Returns empty slice (not nil) if there are none.
func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID string) ([]scheduler.Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, attempt, phase, passed, diagnostic, created_at
		FROM attempts
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []scheduler.Attempt{}
	for rows.Next() {
		var a scheduler.Attempt
		var passed int
		var createdAt int64
		if err := rows.Scan(&a.TaskID, &a.AgentID, &a.Number, &a.Phase, &passed, &a.Diagnostic, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Passed = passed != 0
		a.CreatedAt = fromUnix(createdAt)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
