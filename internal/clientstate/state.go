// Package clientstate keeps an observer's mirror of agents, tasks and activity
// in sync with the server by folding the event stream through a reducer.
package clientstate

import (
	"slices"
	"strings"
)

// MaxActivity is the number of activity items retained, newest first.
const MaxActivity = 50

// Agent is the observer's view of one agent. Timestamp is the bus sequence of
// the last update applied to it.
type Agent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CurrentTask    string `json:"current_task,omitempty"`
	Provider       string `json:"provider,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
	Progress       *int   `json:"progress,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Task is the observer's view of one task.
type Task struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id,omitempty"`
	Title         string   `json:"title,omitempty"`
	Status        string   `json:"status"`
	AssignedAgent string   `json:"assigned_agent,omitempty"`
	RetryCount    int      `json:"retry_count"`
	Diagnostic    string   `json:"diagnostic,omitempty"`
	BlockedBy     []string `json:"blocked_by,omitempty"`
	Progress      *int     `json:"progress,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// ActivityItem is one entry of the bounded activity log.
type ActivityItem struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
}

// Progress is project completion as last reported by the server.
type Progress struct {
	CompletedTasks int     `json:"completed_tasks"`
	TotalTasks     int     `json:"total_tasks"`
	Percentage     float64 `json:"percentage"`
}

// Snapshot is the authoritative server state used for a full resync.
// Sequence is the bus sequence at the time the snapshot was taken; every
// entity in it carries that value as its timestamp.
type Snapshot struct {
	ProjectID string         `json:"project_id"`
	Sequence  int64          `json:"sequence"`
	Agents    []Agent        `json:"agents"`
	Tasks     []Task         `json:"tasks"`
	Activity  []ActivityItem `json:"activity"`
	Progress  Progress       `json:"progress"`
}

// State is an immutable value: the reducer never modifies a State it was
// given, so observers may compare pointers to detect changes.
type State struct {
	Agents    map[string]Agent
	Tasks     map[string]Task
	Activity  []ActivityItem // newest first, at most MaxActivity
	Progress  Progress
	Connected bool
	LastSync  int64 // sequence of the last applied snapshot
}

// NewState returns an empty, disconnected state.
func NewState() *State {
	return &State{
		Agents: map[string]Agent{},
		Tasks:  map[string]Task{},
	}
}

// AgentList returns agents sorted by ID.
func (s *State) AgentList() []Agent {
	out := make([]Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Agent) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// TaskList returns tasks sorted by ID.
func (s *State) TaskList() []Task {
	out := make([]Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Task) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CountByStatus tallies tasks per status string.
func (s *State) CountByStatus() map[string]int {
	counts := make(map[string]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

// shallow copy; maps are cloned lazily by the reducer.
func (s *State) clone() *State {
	cp := *s
	return &cp
}

func (s *State) withAgents() *State {
	agents := make(map[string]Agent, len(s.Agents)+1)
	for k, v := range s.Agents {
		agents[k] = v
	}
	s.Agents = agents
	return s
}

func (s *State) withTasks() *State {
	tasks := make(map[string]Task, len(s.Tasks)+1)
	for k, v := range s.Tasks {
		tasks[k] = v
	}
	s.Tasks = tasks
	return s
}
