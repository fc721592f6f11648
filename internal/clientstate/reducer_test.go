package clientstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/events"
)

func withAgent(t *testing.T, id string, ts int64) *State {
	t.Helper()
	s := Reduce(NewState(), AgentCreated{Agent: Agent{ID: id, Type: "backend-worker", Timestamp: ts}})
	require.Contains(t, s.Agents, id)
	return s
}

func TestStaleAgentUpdateIsNoop(t *testing.T) {
	s := withAgent(t, "backend-worker-001", 5)
	s = Reduce(s, AgentUpdated{AgentID: "backend-worker-001", Status: "working", CurrentTask: "T1", Timestamp: 10})

	next := Reduce(s, AgentUpdated{AgentID: "backend-worker-001", Status: "idle", Timestamp: 9})
	assert.Same(t, s, next, "stale update must return the same state")
	assert.Equal(t, "working", next.Agents["backend-worker-001"].Status)
}

func TestEqualTimestampIsAccepted(t *testing.T) {
	s := withAgent(t, "a1", 5)
	next := Reduce(s, AgentUpdated{AgentID: "a1", Status: "working", CurrentTask: "T1", Timestamp: 5})
	assert.NotSame(t, s, next)
	assert.Equal(t, "working", next.Agents["a1"].Status)
}

func TestAgentUpdatesAreOrderIndependent(t *testing.T) {
	older := AgentUpdated{AgentID: "a1", Status: "working", CurrentTask: "T1", Timestamp: 7}
	newer := AgentUpdated{AgentID: "a1", Status: "idle", TasksCompleted: 1, Timestamp: 8}

	forward := Reduce(Reduce(withAgent(t, "a1", 1), older), newer)
	backward := Reduce(Reduce(withAgent(t, "a1", 1), newer), older)

	assert.Equal(t, forward.Agents["a1"], backward.Agents["a1"])
	assert.Equal(t, "idle", forward.Agents["a1"].Status)
	assert.Equal(t, int64(8), forward.Agents["a1"].Timestamp)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := withAgent(t, "a1", 1)
	before := s.Agents["a1"]

	_ = Reduce(s, AgentUpdated{AgentID: "a1", Status: "working", Timestamp: 2})
	_ = Reduce(s, TaskAssigned{TaskID: "T1", AgentID: "a1", Timestamp: 3})

	assert.Equal(t, before, s.Agents["a1"])
	assert.Empty(t, s.Tasks)
}

func TestMalformedActionsAreNoops(t *testing.T) {
	s := withAgent(t, "a1", 1)
	tests := []struct {
		name   string
		action Action
	}{
		{"agent without id", AgentCreated{Agent: Agent{Timestamp: 9}}},
		{"update for unknown agent", AgentUpdated{AgentID: "ghost", Status: "idle", Timestamp: 9}},
		{"retire unknown agent", AgentRetired{AgentID: "ghost", Timestamp: 9}},
		{"assignment without agent", TaskAssigned{TaskID: "T1", Timestamp: 9}},
		{"status without task", TaskStatusChanged{Status: "DONE", Timestamp: 9}},
		{"status without value", TaskStatusChanged{TaskID: "T1", Timestamp: 9}},
		{"block unknown task", TaskBlocked{TaskID: "ghost", Timestamp: 9}},
		{"unknown action", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, s, Reduce(s, tt.action))
		})
	}
}

func TestAgentCreatedFallsBackOnBadType(t *testing.T) {
	s := Reduce(NewState(), AgentCreated{Agent: Agent{ID: "x", Type: "wizard", Timestamp: 1}})
	assert.Equal(t, events.AgentTypeBackend, s.Agents["x"].Type)
	assert.Equal(t, events.AgentIdle, s.Agents["x"].Status)
}

func TestTaskAssignedUpdatesTaskAndAgent(t *testing.T) {
	s := withAgent(t, "a1", 1)

	next := Reduce(s, TaskAssigned{TaskID: "T1", AgentID: "a1", ProjectID: "p1", Title: "Build API", Timestamp: 4})

	require.Contains(t, next.Tasks, "T1")
	task := next.Tasks["T1"]
	assert.Equal(t, "IN_PROGRESS", task.Status)
	assert.Equal(t, "a1", task.AssignedAgent)
	assert.Equal(t, "Build API", task.Title)

	agent := next.Agents["a1"]
	assert.Equal(t, events.AgentWorking, agent.Status)
	assert.Equal(t, "T1", agent.CurrentTask)
	assert.Equal(t, int64(4), agent.Timestamp)
}

func TestTaskAssignedCreatesUnknownAgent(t *testing.T) {
	next := Reduce(NewState(), TaskAssigned{TaskID: "T1", AgentID: "test-worker-002", Timestamp: 2})
	require.Contains(t, next.Agents, "test-worker-002")
	assert.Equal(t, "T1", next.Agents["test-worker-002"].CurrentTask)
}

func TestTaskAssignedStaleOnBothSides(t *testing.T) {
	s := Reduce(withAgent(t, "a1", 10), TaskStatusChanged{TaskID: "T1", Status: "DONE", Timestamp: 10})
	assert.Same(t, s, Reduce(s, TaskAssigned{TaskID: "T1", AgentID: "a1", Timestamp: 3}))
}

func TestTaskLifecycle(t *testing.T) {
	s := Reduce(NewState(), TaskAssigned{TaskID: "T1", AgentID: "a1", Timestamp: 1})
	s = Reduce(s, TaskBlocked{TaskID: "T1", BlockedBy: []string{"T0"}, Reason: "tests keep failing", Timestamp: 2})

	task := s.Tasks["T1"]
	assert.Equal(t, "BLOCKED", task.Status)
	assert.Equal(t, []string{"T0"}, task.BlockedBy)
	assert.Equal(t, "tests keep failing", task.Diagnostic)
	assert.Empty(t, task.AssignedAgent)

	s = Reduce(s, TaskUnblocked{TaskID: "T1", Timestamp: 3})
	task = s.Tasks["T1"]
	assert.Equal(t, "READY", task.Status)
	assert.Nil(t, task.BlockedBy)
	assert.Empty(t, task.Diagnostic)

	s = Reduce(s, TaskStatusChanged{TaskID: "T1", Status: "DONE", RetryCount: 2, Timestamp: 4})
	assert.Equal(t, "DONE", s.Tasks["T1"].Status)
	assert.Equal(t, 2, s.Tasks["T1"].RetryCount)
}

func TestAgentRetired(t *testing.T) {
	s := Reduce(withAgent(t, "a1", 1), TaskAssigned{TaskID: "T1", AgentID: "a1", Timestamp: 2})
	s = Reduce(s, AgentRetired{AgentID: "a1", Timestamp: 3})
	assert.Equal(t, events.AgentRetired, s.Agents["a1"].Status)
	assert.Empty(t, s.Agents["a1"].CurrentTask)
}

func TestActivityFIFOCap(t *testing.T) {
	s := NewState()
	for i := 1; i <= 75; i++ {
		s = Reduce(s, ActivityAdded{Item: ActivityItem{Timestamp: int64(i), Message: fmt.Sprintf("m%d", i)}})
	}

	require.Len(t, s.Activity, MaxActivity)
	assert.Equal(t, "m75", s.Activity[0].Message, "newest first")
	assert.Equal(t, "m26", s.Activity[MaxActivity-1].Message, "oldest retained")
	for i := 1; i < len(s.Activity); i++ {
		assert.Greater(t, s.Activity[i-1].Timestamp, s.Activity[i].Timestamp)
	}
}

func TestActivitySkipsSnapshotCoveredItems(t *testing.T) {
	s := Reduce(NewState(), FullResync{Snapshot: Snapshot{
		ProjectID: "p1",
		Sequence:  40,
		Activity: []ActivityItem{
			{Timestamp: 43, Type: "task_completed", Message: "T2 done"},
			{Timestamp: 38, Type: "task_started", Message: "T2 started"},
		},
	}})

	// Already in the snapshot, either by sequence or by identity.
	assert.Same(t, s, Reduce(s, ActivityAdded{Item: ActivityItem{Timestamp: 38, Message: "T2 started"}}))
	assert.Same(t, s, Reduce(s, ActivityAdded{Item: ActivityItem{Timestamp: 43, Message: "T2 done"}}))

	next := Reduce(s, ActivityAdded{Item: ActivityItem{Timestamp: 44, Message: "T3 started"}})
	require.Len(t, next.Activity, 3)
	assert.Equal(t, "T3 started", next.Activity[0].Message)

	// Unstamped items are always added.
	next = Reduce(next, ActivityAdded{Item: ActivityItem{Message: "local note"}})
	assert.Len(t, next.Activity, 4)
}

func TestFullResyncReplacesState(t *testing.T) {
	s := Reduce(withAgent(t, "stale-agent", 100), TaskStatusChanged{TaskID: "gone", Status: "READY", Timestamp: 100})
	s = Reduce(s, ActivityAdded{Item: ActivityItem{Message: "old"}})

	snap := Snapshot{
		ProjectID: "p1",
		Sequence:  42,
		Agents:    []Agent{{ID: "a1", Type: "nonsense", Status: "idle", Timestamp: 42}},
		Tasks:     []Task{{ID: "T1", Status: "DONE", Timestamp: 42}, {Status: "READY"}},
		Progress:  Progress{CompletedTasks: 1, TotalTasks: 1, Percentage: 100},
	}
	next := Reduce(s, FullResync{Snapshot: snap})

	assert.True(t, next.Connected)
	assert.Equal(t, int64(42), next.LastSync)
	assert.Len(t, next.Agents, 1)
	assert.Equal(t, events.AgentTypeBackend, next.Agents["a1"].Type)
	assert.Len(t, next.Tasks, 1, "tasks without id are skipped")
	assert.Empty(t, next.Activity)
	assert.Equal(t, 100.0, next.Progress.Percentage)

	// Events from before the snapshot no longer apply.
	assert.Same(t, next, Reduce(next, TaskStatusChanged{TaskID: "T1", Status: "READY", Timestamp: 41}))
}

func TestConnectionChanged(t *testing.T) {
	s := NewState()
	assert.Same(t, s, Reduce(s, ConnectionChanged{Connected: false}))

	up := Reduce(s, ConnectionChanged{Connected: true})
	assert.True(t, up.Connected)
	assert.False(t, s.Connected)
}

func TestProgressUpdated(t *testing.T) {
	p := Progress{CompletedTasks: 1, TotalTasks: 4, Percentage: 25}
	s := Reduce(NewState(), ProgressUpdated{Progress: p})
	assert.Equal(t, p, s.Progress)
	assert.Same(t, s, Reduce(s, ProgressUpdated{Progress: p}))
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name  string
		event events.Event
		want  ActionType
		ok    bool
	}{
		{"agent created", events.AgentCreated{AgentID: "a1"}, ActionAgentCreated, true},
		{"agent status", events.AgentStatusChanged{AgentID: "a1"}, ActionAgentUpdated, true},
		{"agent retired", events.AgentRetiredEvent{AgentID: "a1"}, ActionAgentRetired, true},
		{"task assigned", events.TaskAssigned{TaskID: "T1", AgentID: "a1"}, ActionTaskAssigned, true},
		{"task status", events.TaskStatusChanged{TaskID: "T1", Status: "DONE"}, ActionTaskStatusChanged, true},
		{"task blocked", events.TaskBlocked{TaskID: "T1"}, ActionTaskBlocked, true},
		{"task unblocked", events.TaskUnblocked{TaskID: "T1"}, ActionTaskUnblocked, true},
		{"activity", events.ActivityUpdate{Message: "hi"}, ActionActivityAdded, true},
		{"progress", events.NewProgress("p1", 1, 2), ActionProgressUpdated, true},
		{"correction", events.CorrectionAttempt{TaskID: "T1"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, ok := FromEvent(tt.event)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, action.Type())
			}
		})
	}
}
