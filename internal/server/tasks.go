package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worker"
)

// TaskView is the wire form of a task.
type TaskView struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	AgentType      string    `json:"agent_type"`
	Status         string    `json:"status"`
	DependsOn      []string  `json:"depends_on"`
	Priority       int       `json:"priority"`
	AssignedAgent  string    `json:"assigned_agent,omitempty"`
	RetryCount     int       `json:"retry_count"`
	CanParallelize bool      `json:"can_parallelize"`
	WritesFiles    []string  `json:"writes_files,omitempty"`
	Diagnostic     string    `json:"diagnostic,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(t *scheduler.Task) TaskView {
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return TaskView{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Title:          t.Title,
		Description:    t.Description,
		AgentType:      t.AgentType,
		Status:         t.Status.String(),
		DependsOn:      deps,
		Priority:       t.Priority,
		AssignedAgent:  t.AssignedAgent,
		RetryCount:     t.RetryCount,
		CanParallelize: t.CanParallelize,
		WritesFiles:    t.WritesFiles,
		Diagnostic:     t.Diagnostic,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// TaskListResponse is returned by the list endpoint.
type TaskListResponse struct {
	Tasks    []TaskView     `json:"tasks"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func (s *Server) listTasks(c *gin.Context) {
	project := c.Param("project")
	var filter scheduler.TaskStatus
	if raw := c.Query("status"); raw != "" {
		st, err := scheduler.ParseStatus(raw)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
			return
		}
		filter = st
	}

	tasks := s.graph.Tasks(project)
	resp := TaskListResponse{Tasks: make([]TaskView, 0, len(tasks)), ByStatus: map[string]int{}}
	for st, n := range s.graph.CountByStatus(project) {
		resp.ByStatus[st.String()] = n
	}
	for _, t := range tasks {
		if filter != "" && t.Status != filter {
			continue
		}
		resp.Tasks = append(resp.Tasks, viewOf(t))
	}
	resp.Total = len(resp.Tasks)
	c.JSON(http.StatusOK, resp)
}

type createTaskRequest struct {
	ID             string   `json:"id"`
	Title          string   `json:"title" binding:"required"`
	Description    string   `json:"description"`
	AgentType      string   `json:"agent_type"`
	Status         string   `json:"status"`
	DependsOn      []string `json:"depends_on"`
	Priority       int      `json:"priority"`
	CanParallelize *bool    `json:"can_parallelize"`
	WritesFiles    []string `json:"writes_files"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	status := scheduler.StatusBacklog
	if req.Status != "" {
		st, err := scheduler.ParseStatus(req.Status)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
			return
		}
		if !st.Dispatchable() {
			s.fail(c, fmt.Errorf("%w: new tasks start as BACKLOG or READY, not %s", errValidation, st))
			return
		}
		status = st
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	parallel := true
	if req.CanParallelize != nil {
		parallel = *req.CanParallelize
	}

	task := &scheduler.Task{
		ID:             req.ID,
		ProjectID:      c.Param("project"),
		Title:          req.Title,
		Description:    req.Description,
		AgentType:      worker.ParseKind(req.AgentType).String(),
		Status:         status,
		DependsOn:      req.DependsOn,
		Priority:       req.Priority,
		CanParallelize: parallel,
		WritesFiles:    req.WritesFiles,
	}
	if err := s.graph.AddTask(c.Request.Context(), task); err != nil {
		s.fail(c, err)
		return
	}
	created, _ := s.graph.Get(task.ID)
	s.bus.Emit(events.TaskStatusChanged{TaskID: created.ID, Status: created.Status.String()})
	s.emitProgress(created.ProjectID)
	c.JSON(http.StatusCreated, viewOf(created))
}

func (s *Server) getTask(c *gin.Context) {
	task, ok := s.graph.Get(c.Param("id"))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

type updateStatusRequest struct {
	Status     string `json:"status" binding:"required"`
	Diagnostic string `json:"diagnostic"`
}

// updateStatus applies a manual transition. Claiming and releasing a task go
// through execute and stop so the pool's slot table stays authoritative.
func (s *Server) updateStatus(c *gin.Context) {
	id := c.Param("id")
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	to, err := scheduler.ParseStatus(req.Status)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	before, ok := s.graph.Get(id)
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id))
		return
	}
	if to == scheduler.StatusInProgress {
		s.fail(c, fmt.Errorf("%w: use the execute endpoint to start %s", scheduler.ErrInvalidState, id))
		return
	}
	if s.pool.IsRunning(id) {
		s.fail(c, fmt.Errorf("%w: stop %s before changing its status", scheduler.ErrInvalidState, id))
		return
	}

	var opts []scheduler.TransitionOption
	switch {
	case req.Diagnostic != "":
		opts = append(opts, scheduler.WithDiagnostic(req.Diagnostic))
	case to == scheduler.StatusBlocked || to == scheduler.StatusFailed:
		opts = append(opts, scheduler.WithDiagnostic("set manually to "+to.String()))
	}

	task, err := s.graph.Transition(c.Request.Context(), id, to, opts...)
	if task == nil {
		s.fail(c, err)
		return
	}

	s.bus.Emit(events.TaskStatusChanged{
		TaskID:     task.ID,
		Status:     task.Status.String(),
		RetryCount: task.RetryCount,
		Diagnostic: task.Diagnostic,
	})
	switch {
	case to == scheduler.StatusBlocked:
		s.bus.Emit(events.TaskBlocked{TaskID: task.ID, BlockedBy: s.unsatisfied(task), Reason: task.Diagnostic})
	case before.Status == scheduler.StatusBlocked:
		s.bus.Emit(events.TaskUnblocked{TaskID: task.ID})
	}
	s.emitProgress(task.ProjectID)

	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

type addDependencyRequest struct {
	DependsOn string `json:"depends_on" binding:"required"`
}

func (s *Server) addDependency(c *gin.Context) {
	var req addDependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if err := s.graph.AddDependency(c.Request.Context(), c.Param("id"), req.DependsOn); err != nil {
		s.fail(c, err)
		return
	}
	task, _ := s.graph.Get(c.Param("id"))
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) startExecution(c *gin.Context) {
	handle, err := s.pool.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (s *Server) stopExecution(c *gin.Context) {
	id := c.Param("id")
	if err := s.pool.Stop(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	task, _ := s.graph.Get(id)
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) resetTask(c *gin.Context) {
	task, err := s.pool.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) getExecution(c *gin.Context) {
	handle, err := s.pool.Execution(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (s *Server) unsatisfied(task *scheduler.Task) []string {
	pending := []string{}
	for _, dep := range task.DependsOn {
		if d, ok := s.graph.Get(dep); !ok || !d.Status.SatisfiesDependency() {
			pending = append(pending, dep)
		}
	}
	return pending
}

func (s *Server) emitProgress(projectID string) {
	completed, total := s.graph.Progress(projectID)
	s.bus.Emit(events.NewProgress(projectID, completed, total))
}
