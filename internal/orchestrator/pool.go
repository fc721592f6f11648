package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worker"
)

var (
	// ErrAlreadyRunning is returned when a task already holds a slot.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrPoolFull is returned when no slot is free for a single-task start.
	ErrPoolFull = errors.New("no free execution slot")
	// ErrExecutionNotFound is returned for unknown execution IDs.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Config configures the agent pool.
type Config struct {
	MaxConcurrent    int           // Slots per project (default 3)
	DispatchInterval time.Duration // Run loop ticker (default 2s)
	IdleAgentTTL     time.Duration // Idle agents older than this are retired, zero keeps them
	HandleCacheSize  int           // Finished execution handles kept for lookup (default 256)
	Worker           worker.Config
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 2 * time.Second
	}
	if c.HandleCacheSize <= 0 {
		c.HandleCacheSize = 256
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = worker.DefaultConfig().MaxAttempts
	}
}

// AgentStore persists agent records. Optional.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent persistence.AgentRecord) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// Agent is a snapshot of one pool agent.
type Agent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	LastActive     time.Time `json:"last_active"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a Agent) record() persistence.AgentRecord {
	return persistence.AgentRecord{
		ID:             a.ID,
		Type:           a.Type,
		Status:         a.Status,
		CurrentTask:    a.CurrentTask,
		Provider:       a.Provider,
		TasksCompleted: a.TasksCompleted,
		LastActive:     a.LastActive,
		CreatedAt:      a.CreatedAt,
	}
}

// Execution handle states.
const (
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecBlocked   = "blocked"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// ExecutionHandle describes one execution of a task.
type ExecutionHandle struct {
	ID         string     `json:"execution_id"`
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id"`
	Status     string     `json:"status"`
	RetryCount int        `json:"retry_count"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DispatchResult lists the tasks a Dispatch call started.
type DispatchResult struct {
	Started []string `json:"started"`
}

// execution is a claimed slot. Fields other than done and outcome are
// guarded by Pool.mu.
type execution struct {
	handle       *ExecutionHandle
	task         *scheduler.Task
	profile      worker.Profile
	slot         int
	exclusive    bool
	initialRetry int
	newAgent     bool
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	outcome      worker.Outcome
}

// Pool runs at most MaxConcurrent workers per project. The per-project slot
// tables, the agent registry and the running-task index are the only shared
// state and are mutated under mu; no I/O happens while it is held.
type Pool struct {
	cfg        Config
	graph      *scheduler.Graph
	registry   *worker.Registry
	deps       worker.Deps
	bus        events.Publisher
	agentStore AgentStore
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	slots      map[string][]*execution // project ID -> slot table
	running    map[string]*execution // task ID -> execution
	agentsByID map[string]*Agent     // agent ID -> agent
	nextAgent  map[worker.Kind]int
	exclusive  map[string]bool // project ID -> an exclusive task is running

	handles  *lru.Cache[string, *ExecutionHandle]
	released chan struct{}
	wg       sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithAgentStore persists agent records.
func WithAgentStore(s AgentStore) PoolOption {
	return func(p *Pool) { p.agentStore = s }
}

// WithMetrics records pool metrics.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithPoolClock overrides the pool clock.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a pool. deps.Graph is replaced by graph and deps.Events by
// bus so that workers and the pool share them.
func NewPool(cfg Config, graph *scheduler.Graph, registry *worker.Registry, bus events.Publisher, deps worker.Deps, opts ...PoolOption) *Pool {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Graph = graph
	deps.Events = bus
	deps.Logger = logger

	handles, err := lru.New[string, *ExecutionHandle](cfg.HandleCacheSize)
	if err != nil {
		// Only reachable with a non-positive size, which applyDefaults rules out.
		panic(err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		graph:      graph,
		registry:   registry,
		deps:       deps,
		bus:        bus,
		logger:     logger.With("component", "pool"),
		now:        time.Now,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		slots:      make(map[string][]*execution),
		exclusive:  make(map[string]bool),
		running:    make(map[string]*execution),
		agentsByID: make(map[string]*Agent),
		nextAgent:  make(map[worker.Kind]int),
		handles:    handles,
		released:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capacity returns the number of slots each project gets.
func (p *Pool) Capacity() int { return p.cfg.MaxConcurrent }

// Busy returns the number of occupied slots.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Running returns the IDs of tasks currently holding a slot, sorted.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether taskID holds a slot.
func (p *Pool) IsRunning(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[taskID]
	return ok
}

// Agents returns a snapshot of every agent, sorted by ID.
func (p *Pool) Agents() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.agentsByID))
	for _, a := range p.agentsByID {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execution returns a copy of the execution handle with the given ID.
func (p *Pool) Execution(id string) (ExecutionHandle, error) {
	h, ok := p.handles.Get(id)
	if !ok {
		return ExecutionHandle{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return *h, nil
}

// Released returns a channel that receives after a slot is freed. Signals
// coalesce, so a receiver should re-check state after each one.
func (p *Pool) Released() <-chan struct{} { return p.released }

// Dispatch claims free slots for the project's ready tasks in priority order
// and starts their workers. It never blocks on execution.
func (p *Pool) Dispatch(ctx context.Context, projectID string) DispatchResult {
	ready := p.graph.ReadyTasks(projectID)
	if len(ready) == 0 {
		return DispatchResult{Started: []string{}}
	}

	var claims []*execution
	full := make(map[string]bool) // projects that take nothing more this round
	p.mu.Lock()
	for _, task := range ready {
		project := task.ProjectID
		if full[project] {
			continue
		}
		if p.exclusive[project] {
			full[project] = true
			continue
		}
		if _, taken := p.running[task.ID]; taken {
			continue
		}
		slot := p.freeSlotLocked(project)
		if slot < 0 {
			full[project] = true
			continue
		}
		if !task.CanParallelize && p.busyLocked(project) > 0 {
			// Exclusive tasks only go into an otherwise empty slot table,
			// and nothing of that project ranked below one starts while it
			// waits for that.
			full[project] = true
			continue
		}
		exec, err := p.claimLocked(task, slot)
		if err != nil {
			p.logger.Warn("skipping task without worker profile", "task_id", task.ID, "error", err)
			continue
		}
		claims = append(claims, exec)
	}
	p.mu.Unlock()

	result := DispatchResult{Started: []string{}}
	for _, exec := range claims {
		if err := p.launch(ctx, exec); err != nil {
			p.logger.Warn("dispatch claim failed", "task_id", exec.task.ID, "error", err)
			continue
		}
		result.Started = append(result.Started, exec.task.ID)
	}
	return result
}

// Start dispatches a single task immediately and returns its handle.
func (p *Pool) Start(ctx context.Context, taskID string) (ExecutionHandle, error) {
	task, ok := p.graph.Get(taskID)
	if !ok {
		return ExecutionHandle{}, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}

	p.mu.Lock()
	if _, taken := p.running[taskID]; taken {
		p.mu.Unlock()
		return ExecutionHandle{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}
	if !task.Status.Dispatchable() {
		p.mu.Unlock()
		return ExecutionHandle{}, fmt.Errorf("%w: %s is %s", scheduler.ErrInvalidState, taskID, task.Status)
	}
	slot := p.freeSlotLocked(task.ProjectID)
	busy := p.busyLocked(task.ProjectID)
	if slot < 0 || p.exclusive[task.ProjectID] || (!task.CanParallelize && busy > 0) {
		p.mu.Unlock()
		return ExecutionHandle{}, fmt.Errorf("%w: %d of %d busy in %s", ErrPoolFull, busy, p.cfg.MaxConcurrent, task.ProjectID)
	}
	exec, err := p.claimLocked(task, slot)
	p.mu.Unlock()
	if err != nil {
		return ExecutionHandle{}, err
	}

	if err := p.launch(ctx, exec); err != nil {
		return ExecutionHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return *exec.handle, nil
}

// Stop cancels the task's execution and waits until the worker has returned
// the task to READY and released its slot. Stopping a task that is not
// running is a no-op.
func (p *Pool) Stop(ctx context.Context, taskID string) error {
	p.mu.Lock()
	exec, ok := p.running[taskID]
	p.mu.Unlock()

	if !ok {
		if _, exists := p.graph.Get(taskID); !exists {
			return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
		}
		return nil
	}

	p.logger.Info("stopping execution", "task_id", taskID, "agent_id", exec.handle.AgentID)
	exec.cancel()
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a FAILED or BLOCKED task to READY with a cleared retry count.
func (p *Pool) Reset(ctx context.Context, taskID string) (*scheduler.Task, error) {
	before, ok := p.graph.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}

	task, err := p.graph.Reset(ctx, taskID)
	if task == nil {
		return nil, err
	}

	p.publish(events.TaskStatusChanged{TaskID: taskID, Status: task.Status.String(), RetryCount: 0})
	if before.Status == scheduler.StatusBlocked {
		p.publish(events.TaskUnblocked{TaskID: taskID})
	}
	p.publish(events.ActivityUpdate{
		ActivityType: events.ActivityTaskReset,
		Agent:        "scheduler",
		Message:      fmt.Sprintf("%s reset from %s", taskID, before.Status),
		TaskID:       taskID,
	})
	p.signal()
	return task, err
}

// Promote moves the project's BACKLOG tasks with satisfied dependencies to
// READY and announces them.
func (p *Pool) Promote(ctx context.Context, projectID string) []*scheduler.Task {
	promoted := p.graph.Promote(ctx, projectID)
	for _, t := range promoted {
		p.publish(events.TaskStatusChanged{TaskID: t.ID, Status: t.Status.String(), RetryCount: t.RetryCount})
	}
	return promoted
}

// Run keeps the pool busy until ctx is cancelled: it promotes and dispatches
// after every slot release and on every tick, and retires idle agents.
func (p *Pool) Run(ctx context.Context, projectID string) error {
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	p.logger.Info("scheduler loop started", "project_id", projectID, "max_concurrent", p.cfg.MaxConcurrent)
	for {
		p.Promote(ctx, projectID)
		p.Dispatch(ctx, projectID)
		p.RetireIdle(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("scheduler loop stopped", "project_id", projectID)
			return ctx.Err()
		case <-p.released:
		case <-ticker.C:
		}
	}
}

// Drain dispatches the project's work until nothing is running and nothing
// is dispatchable, then returns.
func (p *Pool) Drain(ctx context.Context, projectID string) error {
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		p.Promote(ctx, projectID)
		p.Dispatch(ctx, projectID)

		if p.runningFor(projectID) == 0 && len(p.graph.ReadyTasks(projectID)) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.released:
		case <-ticker.C:
		}
	}
}

// RetireIdle removes agents idle for longer than IdleAgentTTL.
func (p *Pool) RetireIdle(ctx context.Context) []string {
	if p.cfg.IdleAgentTTL <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.cfg.IdleAgentTTL)

	var retired []string
	p.mu.Lock()
	for id, a := range p.agentsByID {
		if a.Status == events.AgentIdle && a.LastActive.Before(cutoff) {
			delete(p.agentsByID, id)
			retired = append(retired, id)
		}
	}
	p.metrics.setAgents(len(p.agentsByID))
	p.mu.Unlock()

	sort.Strings(retired)
	for _, id := range retired {
		p.logger.Info("retiring idle agent", "agent_id", id)
		p.publish(events.AgentRetiredEvent{AgentID: id})
		if p.agentStore != nil {
			if err := p.agentStore.DeleteAgent(ctx, id); err != nil {
				p.logger.Warn("failed to delete retired agent", "agent_id", id, "error", err)
			}
		}
	}
	return retired
}

// Close cancels every execution and waits for the workers to hand their
// tasks back, or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.baseCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// freeSlotLocked returns a free slot index in the project's table, or -1.
func (p *Pool) freeSlotLocked(projectID string) int {
	table, ok := p.slots[projectID]
	if !ok {
		table = make([]*execution, p.cfg.MaxConcurrent)
		p.slots[projectID] = table
	}
	for i, s := range table {
		if s == nil {
			return i
		}
	}
	return -1
}

func (p *Pool) busyLocked(projectID string) int {
	n := 0
	for _, s := range p.slots[projectID] {
		if s != nil {
			n++
		}
	}
	return n
}

// claimLocked reserves a slot and an agent for task. The caller must launch
// or release the returned execution.
func (p *Pool) claimLocked(task *scheduler.Task, slot int) (*execution, error) {
	kind := worker.ParseKind(task.AgentType)
	profile, err := p.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	agent, created := p.acquireAgentLocked(kind, profile.Provider, task.ID)

	now := p.now()
	runCtx, cancel := context.WithCancel(p.baseCtx)
	exec := &execution{
		handle: &ExecutionHandle{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			AgentID:    agent.ID,
			Status:     ExecRunning,
			RetryCount: task.RetryCount,
			StartedAt:  now,
		},
		task:         task,
		profile:      profile,
		slot:         slot,
		exclusive:    !task.CanParallelize,
		initialRetry: task.RetryCount,
		newAgent:     created,
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	p.slots[task.ProjectID][slot] = exec
	p.running[task.ID] = exec
	if exec.exclusive {
		p.exclusive[task.ProjectID] = true
	}
	return exec, nil
}

// acquireAgentLocked reuses the lowest-numbered idle agent of kind or
// creates a new one.
func (p *Pool) acquireAgentLocked(kind worker.Kind, provider, taskID string) (*Agent, bool) {
	var idle []*Agent
	for _, a := range p.agentsByID {
		if a.Type == kind.String() && a.Status == events.AgentIdle {
			idle = append(idle, a)
		}
	}
	now := p.now()
	if len(idle) > 0 {
		sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
		a := idle[0]
		a.Status = events.AgentWorking
		a.CurrentTask = taskID
		a.LastActive = now
		return a, false
	}

	p.nextAgent[kind]++
	a := &Agent{
		ID:          fmt.Sprintf("%s-%03d", kind, p.nextAgent[kind]),
		Type:        kind.String(),
		Status:      events.AgentWorking,
		CurrentTask: taskID,
		Provider:    provider,
		LastActive:  now,
		CreatedAt:   now,
	}
	p.agentsByID[a.ID] = a
	return a, true
}

// launch moves the claimed task to IN_PROGRESS and starts its worker. On
// failure the claim is released and the error returned.
func (p *Pool) launch(ctx context.Context, exec *execution) error {
	agentID := exec.handle.AgentID
	task, err := p.graph.Transition(ctx, exec.task.ID, scheduler.StatusInProgress, scheduler.WithAgent(agentID))
	if task == nil {
		p.abandon(exec)
		return err
	}
	if err != nil {
		// The claim is committed in memory; run it and let the worker
		// finalize, which persists again.
		p.logger.Warn("claim persisted with error", "task_id", task.ID, "error", err)
	}

	p.mu.Lock()
	agent := *p.agentsByID[agentID]
	p.metrics.setBusy(len(p.running))
	p.metrics.setAgents(len(p.agentsByID))
	p.mu.Unlock()

	if exec.newAgent {
		p.publish(events.AgentCreated{
			AgentID:   agent.ID,
			AgentType: agent.Type,
			Provider:  agent.Provider,
		})
	}
	p.publish(events.TaskAssigned{
		TaskID:    task.ID,
		AgentID:   agentID,
		ProjectID: task.ProjectID,
		TaskTitle: task.Title,
	})
	p.publish(events.TaskStatusChanged{TaskID: task.ID, Status: task.Status.String(), RetryCount: task.RetryCount})
	p.publish(events.AgentStatusChanged{
		AgentID:        agentID,
		Status:         events.AgentWorking,
		CurrentTask:    task.ID,
		TasksCompleted: agent.TasksCompleted,
	})
	p.saveAgent(ctx, agent)
	p.metrics.taskDispatched(exec.profile.Kind.String())
	p.handles.Add(exec.handle.ID, exec.handle)

	p.logger.Info("task dispatched", "task_id", task.ID, "agent_id", agentID, "slot", exec.slot)
	p.wg.Add(1)
	go p.execute(exec, task)
	return nil
}

func (p *Pool) execute(exec *execution, task *scheduler.Task) {
	defer p.wg.Done()
	defer exec.cancel()

	w := worker.New(exec.handle.AgentID, exec.profile, p.deps, p.cfg.Worker)
	out := w.Execute(exec.ctx, task)
	p.finish(exec, out)
}

// finish releases the slot of a completed execution.
func (p *Pool) finish(exec *execution, out worker.Outcome) {
	now := p.now()
	succeeded := out.Succeeded()

	p.mu.Lock()
	p.releaseLocked(exec)
	agent := p.agentsByID[exec.handle.AgentID]
	var agentSnap Agent
	if agent != nil {
		agent.Status = events.AgentIdle
		agent.CurrentTask = ""
		agent.LastActive = now
		if succeeded {
			agent.TasksCompleted++
		}
		agentSnap = *agent
	}
	exec.handle.Status = handleStatus(out.Phase)
	exec.handle.RetryCount = out.RetryCount
	exec.handle.Diagnostic = out.Diagnostic
	exec.handle.FinishedAt = &now
	exec.outcome = out
	// Gauges are set under mu so concurrent releases cannot reorder them.
	p.metrics.setBusy(len(p.running))
	// The idle event is sequenced before mu is released: a claim reusing this
	// agent needs mu, so its working event always comes after.
	if agent != nil {
		p.publish(events.AgentStatusChanged{
			AgentID:        agentSnap.ID,
			Status:         events.AgentIdle,
			TasksCompleted: agentSnap.TasksCompleted,
		})
	}
	p.mu.Unlock()
	close(exec.done)

	p.logger.Info("execution finished",
		"task_id", exec.task.ID,
		"agent_id", exec.handle.AgentID,
		"phase", out.Phase,
		"status", out.Status,
		"retry_count", out.RetryCount,
		"duration", out.Duration,
	)

	if agent != nil {
		p.saveAgent(context.Background(), agentSnap)
	}
	completed, total := p.graph.Progress(exec.task.ProjectID)
	p.publish(events.NewProgress(exec.task.ProjectID, completed, total))

	corrections := out.RetryCount - exec.initialRetry
	if out.Phase == worker.PhaseCancelled {
		corrections = 0
	}
	p.metrics.executionFinished(string(out.Status), corrections, out.Duration)
	p.signal()
}

// abandon releases a claim whose task never reached IN_PROGRESS.
func (p *Pool) abandon(exec *execution) {
	now := p.now()
	exec.cancel()
	p.mu.Lock()
	p.releaseLocked(exec)
	var retired string
	if agent := p.agentsByID[exec.handle.AgentID]; agent != nil {
		if exec.newAgent {
			// Never announced, so drop it silently.
			delete(p.agentsByID, agent.ID)
			retired = agent.ID
		} else {
			agent.Status = events.AgentIdle
			agent.CurrentTask = ""
			agent.LastActive = now
		}
	}
	exec.handle.Status = ExecCancelled
	exec.handle.FinishedAt = &now
	p.mu.Unlock()
	close(exec.done)

	if retired != "" {
		p.logger.Debug("dropped unannounced agent", "agent_id", retired)
	}
	p.signal()
}

func (p *Pool) releaseLocked(exec *execution) {
	project := exec.task.ProjectID
	if table := p.slots[project]; table[exec.slot] == exec {
		table[exec.slot] = nil
	}
	if p.running[exec.task.ID] == exec {
		delete(p.running, exec.task.ID)
	}
	if exec.exclusive {
		delete(p.exclusive, project)
	}
}

func (p *Pool) runningFor(projectID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, exec := range p.running {
		if projectID == "" || exec.task.ProjectID == projectID {
			n++
		}
	}
	return n
}

// wait blocks until the execution of taskID finishes, returning its outcome.
// It returns false when the task is not running.
func (p *Pool) wait(ctx context.Context, taskID string) (worker.Outcome, bool, error) {
	p.mu.Lock()
	exec, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return worker.Outcome{}, false, nil
	}
	select {
	case <-exec.done:
		return exec.outcome, true, nil
	case <-ctx.Done():
		return worker.Outcome{}, true, ctx.Err()
	}
}

func (p *Pool) signal() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// publish forwards e to the bus. It may run with mu held, so the Publisher
// must not call back into the pool.
func (p *Pool) publish(e events.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TopicOf(e), e)
}

func (p *Pool) saveAgent(ctx context.Context, a Agent) {
	if p.agentStore == nil {
		return
	}
	if err := p.agentStore.SaveAgent(context.WithoutCancel(ctx), a.record()); err != nil {
		p.logger.Warn("failed to persist agent", "agent_id", a.ID, "error", err)
	}
}

func handleStatus(phase worker.Phase) string {
	switch phase {
	case worker.PhaseCompleted:
		return ExecCompleted
	case worker.PhaseBlocked:
		return ExecBlocked
	case worker.PhaseCancelled:
		return ExecCancelled
	default:
		return ExecFailed
	}
}
