package events

import (
	"strings"
	"time"
)

// Event is the base interface for all events. The set of implementations is
// closed: only types in this package can be stamped by the bus.
type Event interface {
	EventType() string
	// Seq returns the server-assigned sequence number, zero until published.
	Seq() int64
	// stamp returns a copy carrying the sequence number and wall clock.
	stamp(seq int64, at time.Time) Event
}

// Topic constants
const (
	TopicAgent    = "agent"
	TopicTask     = "task"
	TopicActivity = "activity"
	TopicProgress = "progress"
)

// Event type constants (wire values)
const (
	TypeAgentCreated       = "agent_created"
	TypeAgentStatusChanged = "agent_status_changed"
	TypeAgentRetired       = "agent_retired"
	TypeTaskAssigned       = "task_assigned"
	TypeTaskStatusChanged  = "task_status_changed"
	TypeTaskBlocked        = "task_blocked"
	TypeTaskUnblocked      = "task_unblocked"
	TypeActivityUpdate     = "activity_update"
	TypeProgressUpdate     = "progress_update"
	TypeCorrectionAttempt  = "correction_attempt"
)

// Agent types as they appear on the wire.
const (
	AgentTypeLead     = "lead"
	AgentTypeBackend  = "backend-worker"
	AgentTypeFrontend = "frontend-worker"
	AgentTypeTest     = "test-worker"
)

// ParseAgentType normalizes an agent type. Unknown or empty values map to
// backend-worker so a bad value never reaches an agent registry.
func ParseAgentType(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case AgentTypeLead, AgentTypeBackend, AgentTypeFrontend, AgentTypeTest:
		return v
	}
	return AgentTypeBackend
}

// Agent statuses
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentRetired = "retired"
)

// Activity types carried by ActivityUpdate.
const (
	ActivityTaskStarted       = "task_started"
	ActivityCorrectionAttempt = "correction_attempt"
	ActivityTaskCompleted     = "task_completed"
	ActivityTaskBlocked       = "task_blocked"
	ActivityTaskFailed        = "task_failed"
	ActivityTaskStopped       = "task_stopped"
	ActivityTaskReset         = "task_reset"
	ActivityBatchStarted      = "batch_started"
	ActivityBatchFinished     = "batch_finished"
)

// Meta holds the fields every event carries. Timestamp is the bus sequence
// number; observers compare it for conflict resolution. Time is informational.
type Meta struct {
	Type      string    `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Time      time.Time `json:"time"`
}

func (m Meta) Seq() int64 { return m.Timestamp }

func meta(typ string, seq int64, at time.Time) Meta {
	return Meta{Type: typ, Timestamp: seq, Time: at}
}

// AgentCreated is published when the pool spawns a new agent.
type AgentCreated struct {
	Meta
	AgentID        string `json:"agent_id"`
	AgentType      string `json:"agent_type"`
	Provider       string `json:"provider,omitempty"`
	ContextTokens  int    `json:"context_tokens"`
	TasksCompleted int    `json:"tasks_completed"`
}

func (e AgentCreated) EventType() string { return TypeAgentCreated }
func (e AgentCreated) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeAgentCreated, seq, at)
	return e
}

// AgentStatusChanged is published when an agent starts or finishes work.
type AgentStatusChanged struct {
	Meta
	AgentID        string `json:"agent_id"`
	Status         string `json:"status"`
	CurrentTask    string `json:"current_task,omitempty"`
	Progress       *int   `json:"progress,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
}

func (e AgentStatusChanged) EventType() string { return TypeAgentStatusChanged }
func (e AgentStatusChanged) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeAgentStatusChanged, seq, at)
	return e
}

// AgentRetiredEvent is published when an idle agent is removed from the pool.
type AgentRetiredEvent struct {
	Meta
	AgentID string `json:"agent_id"`
}

func (e AgentRetiredEvent) EventType() string { return TypeAgentRetired }
func (e AgentRetiredEvent) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeAgentRetired, seq, at)
	return e
}

// TaskAssigned is published when an agent claims a task.
type TaskAssigned struct {
	Meta
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
}

func (e TaskAssigned) EventType() string { return TypeTaskAssigned }
func (e TaskAssigned) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeTaskAssigned, seq, at)
	return e
}

// TaskStatusChanged is published after every committed status transition.
type TaskStatusChanged struct {
	Meta
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress,omitempty"`
	RetryCount int    `json:"retry_count"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

func (e TaskStatusChanged) EventType() string { return TypeTaskStatusChanged }
func (e TaskStatusChanged) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeTaskStatusChanged, seq, at)
	return e
}

// TaskBlocked is published when a task exhausts its retry budget or waits on
// unfinished dependencies.
type TaskBlocked struct {
	Meta
	TaskID    string   `json:"task_id"`
	BlockedBy []string `json:"blocked_by"`
	Reason    string   `json:"reason,omitempty"`
}

func (e TaskBlocked) EventType() string { return TypeTaskBlocked }
func (e TaskBlocked) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeTaskBlocked, seq, at)
	return e
}

// TaskUnblocked is published when a blocked task is reset.
type TaskUnblocked struct {
	Meta
	TaskID string `json:"task_id"`
}

func (e TaskUnblocked) EventType() string { return TypeTaskUnblocked }
func (e TaskUnblocked) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeTaskUnblocked, seq, at)
	return e
}

// ActivityUpdate is a human-readable activity log entry.
type ActivityUpdate struct {
	Meta
	ActivityType string `json:"activity_type"`
	Agent        string `json:"agent"`
	Message      string `json:"message"`
	TaskID       string `json:"task_id,omitempty"`
}

func (e ActivityUpdate) EventType() string { return TypeActivityUpdate }
func (e ActivityUpdate) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeActivityUpdate, seq, at)
	return e
}

// ProgressUpdate reports project completion.
type ProgressUpdate struct {
	Meta
	ProjectID      string  `json:"project_id,omitempty"`
	CompletedTasks int     `json:"completed_tasks"`
	TotalTasks     int     `json:"total_tasks"`
	Percentage     float64 `json:"percentage"`
}

func (e ProgressUpdate) EventType() string { return TypeProgressUpdate }
func (e ProgressUpdate) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeProgressUpdate, seq, at)
	return e
}

// NewProgress builds a ProgressUpdate, rounding the percentage to one decimal.
func NewProgress(projectID string, completed, total int) ProgressUpdate {
	pct := 0.0
	if total > 0 {
		pct = float64(int(float64(completed)*1000/float64(total)+0.5)) / 10
	}
	return ProgressUpdate{
		ProjectID:      projectID,
		CompletedTasks: completed,
		TotalTasks:     total,
		Percentage:     pct,
	}
}

// CorrectionAttempt is published each time a worker re-enters generation
// after a failed verification.
type CorrectionAttempt struct {
	Meta
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	AttemptNumber int    `json:"attempt_number"`
	MaxAttempts   int    `json:"max_attempts"`
	Status        string `json:"status"`
	ErrorSummary  string `json:"error_summary,omitempty"`
}

func (e CorrectionAttempt) EventType() string { return TypeCorrectionAttempt }
func (e CorrectionAttempt) stamp(seq int64, at time.Time) Event {
	e.Meta = meta(TypeCorrectionAttempt, seq, at)
	return e
}

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	switch e.(type) {
	case AgentCreated, AgentStatusChanged, AgentRetiredEvent:
		return TopicAgent
	case ActivityUpdate:
		return TopicActivity
	case ProgressUpdate:
		return TopicProgress
	default:
		return TopicTask
	}
}
