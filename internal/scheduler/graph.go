package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Persister writes task rows to durable storage. The SQLite store implements it.
type Persister interface {
	SaveTask(ctx context.Context, task *Task) error
}

// Graph is the in-memory task dependency graph. Every status or assignment
// change goes through it so the dependency invariant is enforced in one place.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	persister  Persister
	now        func() time.Time
	logger     *slog.Logger
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithPersister writes every committed mutation through p.
func WithPersister(p Persister) GraphOption {
	return func(g *Graph) { g.persister = p }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) GraphOption {
	return func(g *Graph) { g.now = now }
}

// WithLogger sets the graph logger.
func WithLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// NewGraph creates an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddTask inserts a new task. The task is rejected, and the graph left
// untouched, if its ID is taken, a dependency is unknown, or its edges would
// close a cycle.
func (g *Graph) AddTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task ID must not be empty")
	}

	g.mu.Lock()
	if _, exists := g.tasks[task.ID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	for _, depID := range task.DependsOn {
		if depID == task.ID {
			g.mu.Unlock()
			return fmt.Errorf("%w: task %s depends on itself", ErrCyclicDependency, task.ID)
		}
		if _, ok := g.tasks[depID]; !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: task %q depends on non-existent task %q", ErrUnknownDependency, task.ID, depID)
		}
	}

	// A new node has no dependents, so this only trips on a graph that already
	// holds a cycle.
	candidate := cloneTask(task)
	if err := g.detectCycleLocked(candidate.ID, candidate.DependsOn); err != nil {
		g.mu.Unlock()
		return err
	}

	now := g.now()
	if candidate.Status == "" {
		candidate.Status = StatusBacklog
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = now
	}
	candidate.UpdatedAt = now
	if candidate.DependsOn == nil {
		candidate.DependsOn = []string{}
	}

	g.tasks[candidate.ID] = candidate
	for _, depID := range candidate.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], candidate.ID)
	}
	snapshot := cloneTask(candidate)
	g.mu.Unlock()

	return g.persist(ctx, snapshot)
}

// AddDependency adds the edge "taskID depends on dependsOn". Edges that would
// create a cycle fail with ErrCyclicDependency and leave the graph unchanged.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: task %s depends on itself", ErrCyclicDependency, taskID)
	}

	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if _, ok := g.tasks[dependsOn]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDependency, dependsOn)
	}
	for _, existing := range task.DependsOn {
		if existing == dependsOn {
			g.mu.Unlock()
			return nil
		}
	}
	if task.Status == StatusInProgress && !g.tasks[dependsOn].Status.SatisfiesDependency() {
		g.mu.Unlock()
		return fmt.Errorf("%w: cannot add unsatisfied dependency to running task %s", ErrInvalidState, taskID)
	}

	deps := append(append([]string(nil), task.DependsOn...), dependsOn)
	if err := g.detectCycleLocked(taskID, deps); err != nil {
		g.mu.Unlock()
		return err
	}

	task.DependsOn = deps
	task.UpdatedAt = g.now()
	g.dependents[dependsOn] = append(g.dependents[dependsOn], taskID)
	snapshot := cloneTask(task)
	g.mu.Unlock()

	return g.persist(ctx, snapshot)
}

// detectCycleLocked runs a topological sort over the graph with taskID's
// dependency list replaced by deps. Caller must hold g.mu.
func (g *Graph) detectCycleLocked(taskID string, deps []string) error {
	var edges []toposort.Edge
	add := func(id string, dependsOn []string) {
		if len(dependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			return
		}
		for _, depID := range dependsOn {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	for id, t := range g.tasks {
		if id == taskID {
			continue
		}
		add(id, t.DependsOn)
	}
	add(taskID, deps)

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: adding %s would create a cycle: %v", ErrCyclicDependency, taskID, err)
	}
	return nil
}

// DetectCycle reports whether the given task set contains a dependency cycle.
// Dependencies outside the set are ignored.
func DetectCycle(tasks []*Task) error {
	_, err := TopoOrder(tasks)
	return err
}

// TopoOrder returns the IDs of tasks in dependency order, considering only
// edges between members of the set.
func TopoOrder(tasks []*Task) ([]string, error) {
	members := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		members[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		internal := 0
		for _, depID := range t.DependsOn {
			if depID == t.ID {
				return nil, fmt.Errorf("%w: task %s depends on itself", ErrCyclicDependency, t.ID)
			}
			if members[depID] {
				edges = append(edges, toposort.Edge{depID, t.ID})
				internal++
			}
		}
		if internal == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// DependencySatisfied reports whether every dependency of the task is DONE or MERGED.
func (g *Graph) DependencySatisfied(taskID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return g.depsSatisfiedLocked(task), nil
}

func (g *Graph) depsSatisfiedLocked(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, ok := g.tasks[depID]
		if !ok || !dep.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// unsatisfiedLocked lists the dependencies of task that are not DONE/MERGED.
func (g *Graph) unsatisfiedLocked(task *Task) []string {
	var pending []string
	for _, depID := range task.DependsOn {
		dep, ok := g.tasks[depID]
		if !ok || !dep.Status.SatisfiesDependency() {
			pending = append(pending, depID)
		}
	}
	return pending
}

// ReadyTasks returns every BACKLOG/READY task of the project whose dependencies
// are satisfied, highest priority first, then oldest first. An empty project
// matches all tasks.
func (g *Graph) ReadyTasks(projectID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := []*Task{}
	for _, task := range g.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		if !task.Status.Dispatchable() {
			continue
		}
		if g.depsSatisfiedLocked(task) {
			ready = append(ready, cloneTask(task))
		}
	}
	SortByPriority(ready)
	return ready
}

// SortByPriority orders tasks by descending priority, then ascending creation
// time, then ID so the order is deterministic.
func SortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Transition moves a task to a new status. Illegal edges fail with
// ErrInvalidTransition and entering IN_PROGRESS with unsatisfied dependencies
// fails with ErrDependencyNotSatisfied. Leaving DONE or MERGED while a dependent
// is IN_PROGRESS fails with ErrInvalidState. Nothing is mutated on failure.
func (g *Graph) Transition(ctx context.Context, taskID string, to TaskStatus, opts ...TransitionOption) (*Task, error) {
	var params transitionParams
	for _, opt := range opts {
		opt(&params)
	}

	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	from := task.Status
	if !CanTransition(from, to) {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, taskID, from, to)
	}
	if to == StatusInProgress {
		if pending := g.unsatisfiedLocked(task); len(pending) > 0 {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s waits on %v", ErrDependencyNotSatisfied, taskID, pending)
		}
	}
	if from.SatisfiesDependency() && !to.SatisfiesDependency() {
		for _, depID := range g.dependents[taskID] {
			if dep, ok := g.tasks[depID]; ok && dep.Status == StatusInProgress {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: %s is in progress and depends on %s", ErrInvalidState, depID, taskID)
			}
		}
	}

	task.Status = to
	if params.agent != nil {
		task.AssignedAgent = *params.agent
	} else if from == StatusInProgress {
		task.AssignedAgent = ""
	}
	if params.diagnostic != nil {
		task.Diagnostic = *params.diagnostic
	}
	if params.retryCount != nil {
		task.RetryCount = *params.retryCount
	}
	task.UpdatedAt = g.now()
	snapshot := cloneTask(task)
	g.mu.Unlock()

	return snapshot, g.persist(ctx, snapshot)
}

// RecordCorrection increments the retry counter of an IN_PROGRESS task and
// stores the diagnostic that triggered the correction. It returns the new count.
func (g *Graph) RecordCorrection(ctx context.Context, taskID, diagnostic string) (int, error) {
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusInProgress {
		g.mu.Unlock()
		return task.RetryCount, fmt.Errorf("%w: %s is %s", ErrInvalidState, taskID, task.Status)
	}
	task.RetryCount++
	task.Diagnostic = diagnostic
	task.UpdatedAt = g.now()
	count := task.RetryCount
	snapshot := cloneTask(task)
	g.mu.Unlock()

	return count, g.persist(ctx, snapshot)
}

// Reset returns a FAILED or BLOCKED task to READY and clears its retry
// counter. Any other status fails with ErrInvalidState.
func (g *Graph) Reset(ctx context.Context, taskID string) (*Task, error) {
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusFailed && task.Status != StatusBlocked {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot reset %s from %s", ErrInvalidState, taskID, task.Status)
	}
	task.Status = StatusReady
	task.RetryCount = 0
	task.Diagnostic = ""
	task.AssignedAgent = ""
	task.UpdatedAt = g.now()
	snapshot := cloneTask(task)
	g.mu.Unlock()

	return snapshot, g.persist(ctx, snapshot)
}

// Promote moves BACKLOG tasks whose dependencies are satisfied to READY and
// returns the promoted tasks.
func (g *Graph) Promote(ctx context.Context, projectID string) []*Task {
	g.mu.Lock()
	var promoted []*Task
	now := g.now()
	for _, task := range g.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		if task.Status != StatusBacklog || !g.depsSatisfiedLocked(task) {
			continue
		}
		task.Status = StatusReady
		task.UpdatedAt = now
		promoted = append(promoted, cloneTask(task))
	}
	g.mu.Unlock()

	SortByPriority(promoted)
	for _, t := range promoted {
		if err := g.persist(ctx, t); err != nil {
			g.logger.Error("failed to persist promoted task", "task_id", t.ID, "error", err)
		}
	}
	return promoted
}

// Load replaces the graph contents with tasks read from the store. Tasks left
// IN_PROGRESS by a previous process are handed back to READY and returned.
func (g *Graph) Load(ctx context.Context, tasks []*Task) ([]*Task, error) {
	if err := DetectCycle(tasks); err != nil {
		return nil, err
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		byID[t.ID] = cloneTask(t)
	}
	dependents := make(map[string][]string)
	for id, t := range byID {
		for _, depID := range t.DependsOn {
			if _, ok := byID[depID]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on non-existent task %q", ErrUnknownDependency, id, depID)
			}
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var recovered []*Task
	now := g.now()
	for _, t := range byID {
		if t.Status == StatusInProgress {
			t.Status = StatusReady
			t.AssignedAgent = ""
			t.UpdatedAt = now
			recovered = append(recovered, cloneTask(t))
		}
	}

	g.mu.Lock()
	g.tasks = byID
	g.dependents = dependents
	g.mu.Unlock()

	for _, t := range recovered {
		if err := g.persist(ctx, t); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// Get returns a copy of the task.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of the project's tasks ordered by creation time. An
// empty project returns every task.
func (g *Graph) Tasks(projectID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// CountByStatus counts the project's tasks per status. Every status is present.
func (g *Graph) CountByStatus(projectID string) map[TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, task := range g.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		counts[task.Status]++
	}
	return counts
}

// Progress returns the number of DONE/MERGED tasks and the total for the project.
func (g *Graph) Progress(projectID string) (completed, total int) {
	counts := g.CountByStatus(projectID)
	for st, n := range counts {
		total += n
		if st.SatisfiesDependency() {
			completed += n
		}
	}
	return completed, total
}

func (g *Graph) persist(ctx context.Context, task *Task) error {
	if g.persister == nil {
		return nil
	}
	if err := g.persister.SaveTask(ctx, task); err != nil {
		g.logger.Error("failed to persist task", "task_id", task.ID, "status", task.Status, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrPersistence, task.ID, err)
	}
	return nil
}
