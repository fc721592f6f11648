package persistence

import (
	"context"
	"fmt"
	"time"
)

// AgentRecord is the stored form of a pool agent.
type AgentRecord struct {
	ID             string
	Type           string
	Status         string
	CurrentTask    string
	Provider       string
	TasksCompleted int
	LastActive     time.Time
	CreatedAt      time.Time
}

// SaveAgent inserts or updates an agent.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent AgentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_type, status, current_task, provider, tasks_completed, last_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			status = excluded.status,
			current_task = excluded.current_task,
			provider = excluded.provider,
			tasks_completed = excluded.tasks_completed,
			last_active = excluded.last_active
	`, agent.ID, agent.Type, agent.Status, agent.CurrentTask, agent.Provider, agent.TasksCompleted,
		toUnix(agent.LastActive), toUnix(agent.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// ListAgents returns every stored agent ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_type, status, current_task, provider, tasks_completed, last_active, created_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	agents := []AgentRecord{}
	for rows.Next() {
		var a AgentRecord
		var lastActive, createdAt int64
		if err := rows.Scan(&a.ID, &a.Type, &a.Status, &a.CurrentTask, &a.Provider, &a.TasksCompleted, &lastActive, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.LastActive = fromUnix(lastActive)
		a.CreatedAt = fromUnix(createdAt)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes a retired agent. Deleting an unknown agent is not an error.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}
