package clientstate

import (
	"slices"

	"github.com/aristath/taskforge/internal/events"
)

const statusInProgress = "IN_PROGRESS"

// Reduce folds one action into s. It never mutates s: when the action changes
// nothing (stale timestamp, missing identity, unknown action) the same pointer
// is returned, otherwise a new State.
//
// Entity updates apply only when their timestamp is >= the entity's current
// timestamp, so two updates to the same entity converge on the newer one
// whatever order they arrive in.
func Reduce(s *State, a Action) *State {
	if s == nil {
		s = NewState()
	}
	switch act := a.(type) {
	case AgentCreated:
		return agentCreated(s, act)
	case AgentUpdated:
		return agentUpdated(s, act)
	case AgentRetired:
		return agentRetired(s, act)
	case TaskAssigned:
		return taskAssigned(s, act)
	case TaskStatusChanged:
		return taskStatusChanged(s, act)
	case TaskBlocked:
		return taskBlocked(s, act)
	case TaskUnblocked:
		return taskUnblocked(s, act)
	case ActivityAdded:
		return activityAdded(s, act)
	case ProgressUpdated:
		if act.Progress == s.Progress {
			return s
		}
		next := s.clone()
		next.Progress = act.Progress
		return next
	case FullResync:
		return fullResync(s, act.Snapshot)
	case ConnectionChanged:
		if act.Connected == s.Connected {
			return s
		}
		next := s.clone()
		next.Connected = act.Connected
		return next
	}
	return s
}

func agentCreated(s *State, act AgentCreated) *State {
	a := act.Agent
	if a.ID == "" {
		return s
	}
	if cur, ok := s.Agents[a.ID]; ok && a.Timestamp < cur.Timestamp {
		return s
	}
	a.Type = events.ParseAgentType(a.Type)
	if a.Status == "" {
		a.Status = events.AgentIdle
	}
	next := s.clone().withAgents()
	next.Agents[a.ID] = a
	return next
}

func agentUpdated(s *State, act AgentUpdated) *State {
	cur, ok := s.Agents[act.AgentID]
	if !ok || act.Timestamp < cur.Timestamp {
		return s
	}
	cur.Status = act.Status
	cur.CurrentTask = act.CurrentTask
	cur.Progress = act.Progress
	cur.TasksCompleted = act.TasksCompleted
	cur.Timestamp = act.Timestamp
	next := s.clone().withAgents()
	next.Agents[act.AgentID] = cur
	return next
}

func agentRetired(s *State, act AgentRetired) *State {
	cur, ok := s.Agents[act.AgentID]
	if !ok || act.Timestamp < cur.Timestamp {
		return s
	}
	cur.Status = events.AgentRetired
	cur.CurrentTask = ""
	cur.Progress = nil
	cur.Timestamp = act.Timestamp
	next := s.clone().withAgents()
	next.Agents[act.AgentID] = cur
	return next
}

// taskAssigned updates the task and the agent in one new State; observers
// see both halves or neither.
func taskAssigned(s *State, act TaskAssigned) *State {
	if act.TaskID == "" || act.AgentID == "" {
		return s
	}

	task, taskKnown := s.Tasks[act.TaskID]
	taskFresh := !taskKnown || act.Timestamp >= task.Timestamp
	agent, agentKnown := s.Agents[act.AgentID]
	agentFresh := !agentKnown || act.Timestamp >= agent.Timestamp
	if !taskFresh && !agentFresh {
		return s
	}

	next := s.clone()
	if taskFresh {
		if !taskKnown {
			task = Task{ID: act.TaskID}
		}
		task.Status = statusInProgress
		task.AssignedAgent = act.AgentID
		if act.ProjectID != "" {
			task.ProjectID = act.ProjectID
		}
		if act.Title != "" {
			task.Title = act.Title
		}
		task.BlockedBy = nil
		task.Timestamp = act.Timestamp
		next.withTasks()
		next.Tasks[act.TaskID] = task
	}
	if agentFresh {
		if !agentKnown {
			agent = Agent{ID: act.AgentID, Type: events.AgentTypeBackend}
		}
		agent.Status = events.AgentWorking
		agent.CurrentTask = act.TaskID
		agent.Timestamp = act.Timestamp
		next.withAgents()
		next.Agents[act.AgentID] = agent
	}
	return next
}

func taskStatusChanged(s *State, act TaskStatusChanged) *State {
	if act.TaskID == "" || act.Status == "" {
		return s
	}
	task, ok := s.Tasks[act.TaskID]
	if ok && act.Timestamp < task.Timestamp {
		return s
	}
	if !ok {
		task = Task{ID: act.TaskID}
	}
	task.Status = act.Status
	task.Progress = act.Progress
	task.RetryCount = act.RetryCount
	task.Diagnostic = act.Diagnostic
	if act.Status != statusInProgress {
		task.AssignedAgent = ""
	}
	if act.Status != "BLOCKED" {
		task.BlockedBy = nil
	}
	task.Timestamp = act.Timestamp
	next := s.clone().withTasks()
	next.Tasks[act.TaskID] = task
	return next
}

func taskBlocked(s *State, act TaskBlocked) *State {
	task, ok := s.Tasks[act.TaskID]
	if !ok || act.Timestamp < task.Timestamp {
		return s
	}
	task.Status = "BLOCKED"
	task.AssignedAgent = ""
	task.BlockedBy = slices.Clone(act.BlockedBy)
	if act.Reason != "" {
		task.Diagnostic = act.Reason
	}
	task.Timestamp = act.Timestamp
	next := s.clone().withTasks()
	next.Tasks[act.TaskID] = task
	return next
}

func taskUnblocked(s *State, act TaskUnblocked) *State {
	task, ok := s.Tasks[act.TaskID]
	if !ok || act.Timestamp < task.Timestamp {
		return s
	}
	if task.Status == "BLOCKED" {
		task.Status = "READY"
	}
	task.BlockedBy = nil
	task.Diagnostic = ""
	task.Timestamp = act.Timestamp
	next := s.clone().withTasks()
	next.Tasks[act.TaskID] = task
	return next
}

// activityAdded skips items the last snapshot already covered. Stamped items
// are unique by timestamp, so a repeat of one already listed is dropped too.
func activityAdded(s *State, act ActivityAdded) *State {
	if ts := act.Item.Timestamp; ts != 0 {
		if ts <= s.LastSync {
			return s
		}
		for _, item := range s.Activity {
			if item.Timestamp == ts {
				return s
			}
		}
	}
	keep := min(len(s.Activity), MaxActivity-1)
	activity := make([]ActivityItem, 0, keep+1)
	activity = append(activity, act.Item)
	activity = append(activity, s.Activity[:keep]...)
	next := s.clone()
	next.Activity = activity
	return next
}

// fullResync is authoritative: no timestamp comparison.
func fullResync(s *State, snap Snapshot) *State {
	next := &State{
		Agents:    make(map[string]Agent, len(snap.Agents)),
		Tasks:     make(map[string]Task, len(snap.Tasks)),
		Progress:  snap.Progress,
		Connected: true,
		LastSync:  snap.Sequence,
	}
	for _, a := range snap.Agents {
		if a.ID == "" {
			continue
		}
		a.Type = events.ParseAgentType(a.Type)
		next.Agents[a.ID] = a
	}
	for _, t := range snap.Tasks {
		if t.ID == "" {
			continue
		}
		next.Tasks[t.ID] = t
	}
	n := min(len(snap.Activity), MaxActivity)
	next.Activity = slices.Clone(snap.Activity[:n])
	return next
}
