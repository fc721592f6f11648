package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskforge/internal/clientstate"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

// snapshot returns the authoritative project state for a client resync.
func (s *Server) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot(c.Param("project")))
}

// Snapshot builds the resync payload for a project. Every entity is stamped
// with the bus sequence read before the state, so any event published after
// the read still applies on the client and none published before it does.
func (s *Server) Snapshot(projectID string) clientstate.Snapshot {
	seq := s.bus.Sequence()

	snap := clientstate.Snapshot{
		ProjectID: projectID,
		Sequence:  seq,
		Agents:    []clientstate.Agent{},
		Tasks:     []clientstate.Task{},
		Activity:  []clientstate.ActivityItem{},
	}
	for _, a := range s.pool.Agents() {
		snap.Agents = append(snap.Agents, clientstate.Agent{
			ID:             a.ID,
			Type:           a.Type,
			Status:         a.Status,
			CurrentTask:    a.CurrentTask,
			Provider:       a.Provider,
			TasksCompleted: a.TasksCompleted,
			Timestamp:      seq,
		})
	}
	for _, t := range s.graph.Tasks(projectID) {
		view := clientstate.Task{
			ID:            t.ID,
			ProjectID:     t.ProjectID,
			Title:         t.Title,
			Status:        t.Status.String(),
			AssignedAgent: t.AssignedAgent,
			RetryCount:    t.RetryCount,
			Diagnostic:    t.Diagnostic,
			Timestamp:     seq,
		}
		if t.Status == scheduler.StatusBlocked {
			view.BlockedBy = s.unsatisfied(t)
		}
		snap.Tasks = append(snap.Tasks, view)
	}

	// Replay ring is oldest first; activity is newest first.
	recent := s.bus.Recent(0)
	for i := len(recent) - 1; i >= 0 && len(snap.Activity) < clientstate.MaxActivity; i-- {
		a, ok := recent[i].(events.ActivityUpdate)
		if !ok {
			continue
		}
		snap.Activity = append(snap.Activity, clientstate.ActivityItem{
			Timestamp: a.Timestamp,
			Type:      a.ActivityType,
			Agent:     a.Agent,
			Message:   a.Message,
			TaskID:    a.TaskID,
		})
	}

	completed, total := s.graph.Progress(projectID)
	p := events.NewProgress(projectID, completed, total)
	snap.Progress = clientstate.Progress{
		CompletedTasks: p.CompletedTasks,
		TotalTasks:     p.TotalTasks,
		Percentage:     p.Percentage,
	}
	return snap
}
