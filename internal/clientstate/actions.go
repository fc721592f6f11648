package clientstate

import (
	"github.com/aristath/taskforge/internal/events"
)

// ActionType names a reducer action.
type ActionType string

const (
	ActionAgentCreated      ActionType = "AGENT_CREATED"
	ActionAgentUpdated      ActionType = "AGENT_UPDATED"
	ActionAgentRetired      ActionType = "AGENT_RETIRED"
	ActionTaskAssigned      ActionType = "TASK_ASSIGNED"
	ActionTaskStatusChanged ActionType = "TASK_STATUS_CHANGED"
	ActionTaskBlocked       ActionType = "TASK_BLOCKED"
	ActionTaskUnblocked     ActionType = "TASK_UNBLOCKED"
	ActionActivityAdded     ActionType = "ACTIVITY_ADDED"
	ActionProgressUpdated   ActionType = "PROGRESS_UPDATED"
	ActionFullResync        ActionType = "FULL_RESYNC"
	ActionConnectionChanged ActionType = "CONNECTION_CHANGED"
)

// Action is one input to Reduce.
type Action interface {
	Type() ActionType
}

type AgentCreated struct {
	Agent Agent
}

type AgentUpdated struct {
	AgentID        string
	Status         string
	CurrentTask    string
	Progress       *int
	TasksCompleted int
	Timestamp      int64
}

type AgentRetired struct {
	AgentID   string
	Timestamp int64
}

// TaskAssigned updates both the task and the agent that claimed it.
type TaskAssigned struct {
	TaskID    string
	AgentID   string
	ProjectID string
	Title     string
	Timestamp int64
}

type TaskStatusChanged struct {
	TaskID     string
	Status     string
	Progress   *int
	RetryCount int
	Diagnostic string
	Timestamp  int64
}

type TaskBlocked struct {
	TaskID    string
	BlockedBy []string
	Reason    string
	Timestamp int64
}

type TaskUnblocked struct {
	TaskID    string
	Timestamp int64
}

type ActivityAdded struct {
	Item ActivityItem
}

type ProgressUpdated struct {
	Progress Progress
}

// FullResync replaces the mirrored state with an authoritative snapshot.
type FullResync struct {
	Snapshot Snapshot
}

type ConnectionChanged struct {
	Connected bool
}

func (AgentCreated) Type() ActionType      { return ActionAgentCreated }
func (AgentUpdated) Type() ActionType      { return ActionAgentUpdated }
func (AgentRetired) Type() ActionType      { return ActionAgentRetired }
func (TaskAssigned) Type() ActionType      { return ActionTaskAssigned }
func (TaskStatusChanged) Type() ActionType { return ActionTaskStatusChanged }
func (TaskBlocked) Type() ActionType       { return ActionTaskBlocked }
func (TaskUnblocked) Type() ActionType     { return ActionTaskUnblocked }
func (ActivityAdded) Type() ActionType     { return ActionActivityAdded }
func (ProgressUpdated) Type() ActionType   { return ActionProgressUpdated }
func (FullResync) Type() ActionType        { return ActionFullResync }
func (ConnectionChanged) Type() ActionType { return ActionConnectionChanged }

// FromEvent maps a decoded wire event to its reducer action. Events with no
// client-side effect return ok=false.
func FromEvent(e events.Event) (Action, bool) {
	switch ev := e.(type) {
	case events.AgentCreated:
		return AgentCreated{Agent: Agent{
			ID:             ev.AgentID,
			Type:           events.ParseAgentType(ev.AgentType),
			Status:         events.AgentIdle,
			Provider:       ev.Provider,
			TasksCompleted: ev.TasksCompleted,
			Timestamp:      ev.Timestamp,
		}}, true
	case events.AgentStatusChanged:
		return AgentUpdated{
			AgentID:        ev.AgentID,
			Status:         ev.Status,
			CurrentTask:    ev.CurrentTask,
			Progress:       ev.Progress,
			TasksCompleted: ev.TasksCompleted,
			Timestamp:      ev.Timestamp,
		}, true
	case events.AgentRetiredEvent:
		return AgentRetired{AgentID: ev.AgentID, Timestamp: ev.Timestamp}, true
	case events.TaskAssigned:
		return TaskAssigned{
			TaskID:    ev.TaskID,
			AgentID:   ev.AgentID,
			ProjectID: ev.ProjectID,
			Title:     ev.TaskTitle,
			Timestamp: ev.Timestamp,
		}, true
	case events.TaskStatusChanged:
		return TaskStatusChanged{
			TaskID:     ev.TaskID,
			Status:     ev.Status,
			Progress:   ev.Progress,
			RetryCount: ev.RetryCount,
			Diagnostic: ev.Diagnostic,
			Timestamp:  ev.Timestamp,
		}, true
	case events.TaskBlocked:
		return TaskBlocked{TaskID: ev.TaskID, BlockedBy: ev.BlockedBy, Reason: ev.Reason, Timestamp: ev.Timestamp}, true
	case events.TaskUnblocked:
		return TaskUnblocked{TaskID: ev.TaskID, Timestamp: ev.Timestamp}, true
	case events.ActivityUpdate:
		return ActivityAdded{Item: ActivityItem{
			Timestamp: ev.Timestamp,
			Type:      ev.ActivityType,
			Agent:     ev.Agent,
			Message:   ev.Message,
			TaskID:    ev.TaskID,
		}}, true
	case events.ProgressUpdate:
		return ProgressUpdated{Progress: Progress{
			CompletedTasks: ev.CompletedTasks,
			TotalTasks:     ev.TotalTasks,
			Percentage:     ev.Percentage,
		}}, true
	}
	// correction_attempt reaches observers through its activity entry.
	return nil, false
}
