package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the persisted lifecycle state of a task. The string values are
// the wire representation shared with observers.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "BACKLOG"     // Created, not yet approved for execution
	StatusReady      TaskStatus = "READY"       // Approved, waiting for dependencies or a slot
	StatusInProgress TaskStatus = "IN_PROGRESS" // Claimed by exactly one worker
	StatusBlocked    TaskStatus = "BLOCKED"     // Needs human input (retry budget exhausted)
	StatusFailed     TaskStatus = "FAILED"      // Finished with a non-retryable error
	StatusDone       TaskStatus = "DONE"        // Verified successfully
	StatusMerged     TaskStatus = "MERGED"      // Done and integrated
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusBacklog,
	StatusReady,
	StatusInProgress,
	StatusBlocked,
	StatusFailed,
	StatusDone,
	StatusMerged,
}

// ParseStatus converts a wire string to a TaskStatus. Matching is case-insensitive.
func ParseStatus(s string) (TaskStatus, error) {
	candidate := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status is final unless explicitly reset.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusBlocked, StatusMerged:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a task in this status unblocks its dependents.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == StatusDone || s == StatusMerged
}

// Dispatchable reports whether a task in this status may be picked up by the scheduler.
func (s TaskStatus) Dispatchable() bool {
	return s == StatusBacklog || s == StatusReady
}

// Task is a unit of work in the project graph.
type Task struct {
	ID             string     // Unique identifier
	ProjectID      string     // Owning project
	Title          string     // Human-readable summary
	Description    string     // Instructions handed to the worker
	AgentType      string     // Worker kind that executes the task (e.g. "backend-worker")
	Status         TaskStatus
	DependsOn      []string   // Task IDs this task depends on
	Priority       int        // Higher runs first among ready tasks
	AssignedAgent  string     // Agent currently holding the task, empty when unclaimed
	RetryCount     int        // Self-correction attempts consumed
	CanParallelize bool       // False forces exclusive execution
	WritesFiles    []string   // Files this task is expected to write (for resource locking)
	Diagnostic     string     // Last failure diagnostic
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.WritesFiles != nil {
		cp.WritesFiles = append([]string(nil), task.WritesFiles...)
	}
	return &cp
}
