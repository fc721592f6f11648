package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BatchRecord is the stored form of a batch execution.
type BatchRecord struct {
	ID               string
	ProjectID        string
	TaskIDs          []string
	Strategy         string
	ResolvedStrategy string
	OnFailure        string
	Status           string
	Failed           int
	Results          map[string]string // task ID -> final task status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SaveBatch inserts or updates a batch.
func (s *SQLiteStore) SaveBatch(ctx context.Context, batch BatchRecord) error {
	taskIDs, err := json.Marshal(batch.TaskIDs)
	if err != nil {
		return fmt.Errorf("failed to encode batch tasks: %w", err)
	}
	results := batch.Results
	if results == nil {
		results = map[string]string{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode batch results: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, project_id, task_ids, strategy, resolved_strategy, on_failure, status, failed, results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved_strategy = excluded.resolved_strategy,
			status = excluded.status,
			failed = excluded.failed,
			results = excluded.results,
			updated_at = excluded.updated_at
	`, batch.ID, batch.ProjectID, string(taskIDs), batch.Strategy, batch.ResolvedStrategy, batch.OnFailure,
		batch.Status, batch.Failed, string(resultsJSON), toUnix(batch.CreatedAt), toUnix(batch.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (BatchRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		b                    BatchRecord
		taskIDs, results     string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_ids, strategy, resolved_strategy, on_failure, status, failed, results, created_at, updated_at
		FROM batches
		WHERE id = ?
	`, batchID).Scan(&b.ID, &b.ProjectID, &taskIDs, &b.Strategy, &b.ResolvedStrategy, &b.OnFailure,
		&b.Status, &b.Failed, &results, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return BatchRecord{}, fmt.Errorf("failed to query batch: %w", err)
	}

	if err := json.Unmarshal([]byte(taskIDs), &b.TaskIDs); err != nil {
		return BatchRecord{}, fmt.Errorf("failed to decode batch tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &b.Results); err != nil {
		return BatchRecord{}, fmt.Errorf("failed to decode batch results: %w", err)
	}
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updatedAt)
	return b, nil
}
