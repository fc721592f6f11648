package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
)

var (
	// ErrInvalidBatch is returned for empty, duplicated or malformed batch requests.
	ErrInvalidBatch = errors.New("invalid batch")
	// ErrBatchNotFound is returned for unknown batch IDs.
	ErrBatchNotFound = errors.New("batch not found")
)

// Strategy controls how batch members are dispatched relative to each other.
type Strategy string

const (
	StrategySerial   Strategy = "serial"
	StrategyParallel Strategy = "parallel"
	StrategyAuto     Strategy = "auto"
)

// FailurePolicy controls what a batch does after a member fails.
type FailurePolicy string

const (
	OnFailureContinue FailurePolicy = "continue"
	OnFailureStop     FailurePolicy = "stop"
)

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchPartial   BatchStatus = "PARTIAL"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// Member results that are not task statuses.
const (
	ResultSkipped        = "SKIPPED"
	ResultUndispatchable = "UNDISPATCHABLE"
)

// BatchRequest asks for a set of tasks to be executed together.
type BatchRequest struct {
	ProjectID string        `json:"project_id,omitempty"`
	TaskIDs   []string      `json:"task_ids"`
	Strategy  Strategy      `json:"strategy,omitempty"`
	OnFailure FailurePolicy `json:"on_failure,omitempty"`
}

// Batch is a snapshot of a batch execution.
type Batch struct {
	ID               string            `json:"batch_id"`
	ProjectID        string            `json:"project_id"`
	TaskIDs          []string          `json:"task_ids"`
	Strategy         Strategy          `json:"strategy"`
	ResolvedStrategy Strategy          `json:"resolved_strategy"`
	OnFailure        FailurePolicy     `json:"on_failure"`
	Status           BatchStatus       `json:"status"`
	Failed           int               `json:"failed"`
	Results          map[string]string `json:"results"` // task ID -> final status
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Done reports whether the batch has reached an aggregate terminal status.
func (b *Batch) Done() bool {
	return b.Status != BatchPending && b.Status != BatchRunning
}

func (b *Batch) clone() *Batch {
	cp := *b
	cp.TaskIDs = append([]string(nil), b.TaskIDs...)
	cp.Results = make(map[string]string, len(b.Results))
	for k, v := range b.Results {
		cp.Results[k] = v
	}
	return &cp
}

func (b *Batch) record() persistence.BatchRecord {
	return persistence.BatchRecord{
		ID:               b.ID,
		ProjectID:        b.ProjectID,
		TaskIDs:          b.TaskIDs,
		Strategy:         string(b.Strategy),
		ResolvedStrategy: string(b.ResolvedStrategy),
		OnFailure:        string(b.OnFailure),
		Status:           string(b.Status),
		Failed:           b.Failed,
		Results:          b.Results,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func batchFromRecord(r persistence.BatchRecord) *Batch {
	results := r.Results
	if results == nil {
		results = map[string]string{}
	}
	return &Batch{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		TaskIDs:          r.TaskIDs,
		Strategy:         Strategy(r.Strategy),
		ResolvedStrategy: Strategy(r.ResolvedStrategy),
		OnFailure:        FailurePolicy(r.OnFailure),
		Status:           BatchStatus(r.Status),
		Failed:           r.Failed,
		Results:          results,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// BatchStore persists batches. Optional.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch persistence.BatchRecord) error
	GetBatch(ctx context.Context, batchID string) (persistence.BatchRecord, error)
}

// ResolveStrategy turns auto into serial or parallel. Auto resolves to serial
// only when the members' internal dependency order is a single chain, where
// parallel dispatch could never run two members at once anyway.
func ResolveStrategy(requested Strategy, tasks []*scheduler.Task) (Strategy, []string, error) {
	order, err := scheduler.TopoOrder(tasks)
	if err != nil {
		return "", nil, err
	}
	if requested != StrategyAuto {
		return requested, order, nil
	}

	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	depth := make(map[string]int, len(order))
	width := make(map[int]int)
	for _, id := range order {
		d := 0
		for _, dep := range byID[id].DependsOn {
			if dd, member := depth[dep]; member && dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
		width[d]++
	}
	for _, w := range width {
		if w > 1 {
			return StrategyParallel, order, nil
		}
	}
	return StrategySerial, order, nil
}

// BatchRunner executes batches on top of a Pool. Each member's outcome is
// independent: failures are counted, never rolled back.
type BatchRunner struct {
	pool   *Pool
	graph  *scheduler.Graph
	store  BatchStore
	logger *slog.Logger
	now    func() time.Time
	poll   time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*batchRun
	wg   sync.WaitGroup
}

type batchRun struct {
	batch  *Batch // guarded by BatchRunner.mu
	cancel context.CancelFunc
	done   chan struct{}
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithBatchStore persists batches.
func WithBatchStore(s BatchStore) BatchOption {
	return func(r *BatchRunner) { r.store = s }
}

// WithPollInterval sets how often a waiting batch re-checks for free slots
// (default 250ms).
func WithPollInterval(d time.Duration) BatchOption {
	return func(r *BatchRunner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewBatchRunner creates a runner dispatching through pool.
func NewBatchRunner(pool *Pool, opts ...BatchOption) *BatchRunner {
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &BatchRunner{
		pool:       pool,
		graph:      pool.graph,
		logger:     pool.logger.With("component", "batch"),
		now:        pool.now,
		poll:       250 * time.Millisecond,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		runs:       make(map[string]*batchRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute validates the request, persists the batch and runs it in the
// background. The returned snapshot is RUNNING.
func (r *BatchRunner) Execute(ctx context.Context, req BatchRequest) (*Batch, error) {
	if len(req.TaskIDs) == 0 {
		return nil, fmt.Errorf("%w: task_ids must not be empty", ErrInvalidBatch)
	}
	switch req.Strategy {
	case "":
		req.Strategy = StrategyAuto
	case StrategySerial, StrategyParallel, StrategyAuto:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidBatch, req.Strategy)
	}
	switch req.OnFailure {
	case "":
		req.OnFailure = OnFailureContinue
	case OnFailureContinue, OnFailureStop:
	default:
		return nil, fmt.Errorf("%w: unknown on_failure %q", ErrInvalidBatch, req.OnFailure)
	}

	seen := make(map[string]bool, len(req.TaskIDs))
	tasks := make([]*scheduler.Task, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidBatch, id)
		}
		seen[id] = true
		t, ok := r.graph.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
		}
		tasks = append(tasks, t)
	}
	if req.ProjectID == "" {
		req.ProjectID = tasks[0].ProjectID
	}

	resolved, order, err := ResolveStrategy(req.Strategy, tasks)
	if err != nil {
		return nil, err
	}

	now := r.now()
	batch := &Batch{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		TaskIDs:          append([]string(nil), req.TaskIDs...),
		Strategy:         req.Strategy,
		ResolvedStrategy: resolved,
		OnFailure:        req.OnFailure,
		Status:           BatchRunning,
		Results:          map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	run := &batchRun{batch: batch, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[batch.ID] = run
	snapshot := batch.clone()
	r.mu.Unlock()

	r.save(ctx, snapshot)
	r.pool.publish(events.ActivityUpdate{
		ActivityType: events.ActivityBatchStarted,
		Agent:        "scheduler",
		Message:      fmt.Sprintf("batch %s started: %d task(s), %s", batch.ID, len(order), resolved),
	})
	r.logger.Info("batch started", "batch_id", batch.ID, "tasks", len(order), "strategy", req.Strategy, "resolved", resolved)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(run.done)
		r.run(runCtx, run, order)
	}()
	return snapshot, nil
}

// Get returns the batch, falling back to the store for batches from earlier
// processes.
func (r *BatchRunner) Get(ctx context.Context, batchID string) (*Batch, error) {
	r.mu.Lock()
	run, ok := r.runs[batchID]
	if ok {
		b := run.batch.clone()
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	if r.store != nil {
		rec, err := r.store.GetBatch(ctx, batchID)
		if err == nil {
			return batchFromRecord(rec), nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
}

// Wait blocks until the batch finishes and returns its final snapshot.
func (r *BatchRunner) Wait(ctx context.Context, batchID string) (*Batch, error) {
	r.mu.Lock()
	run, ok := r.runs[batchID]
	r.mu.Unlock()
	if !ok {
		return r.Get(ctx, batchID)
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.Get(ctx, batchID)
}

// Cancel stops the batch: in-flight members are stopped and return to READY,
// pending members are not started. Cancelling a finished batch is a no-op.
func (r *BatchRunner) Cancel(ctx context.Context, batchID string) (*Batch, error) {
	r.mu.Lock()
	run, ok := r.runs[batchID]
	r.mu.Unlock()
	if !ok {
		return r.Get(ctx, batchID)
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.Get(ctx, batchID)
}

// Close cancels every running batch and waits for them to wind down.
func (r *BatchRunner) Close(ctx context.Context) error {
	r.baseCancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memberResult struct {
	taskID string
	status string
}

func (r *BatchRunner) run(ctx context.Context, run *batchRun, order []string) {
	r.mu.Lock()
	serial := run.batch.ResolvedStrategy == StrategySerial
	stopOnFailure := run.batch.OnFailure == OnFailureStop
	batchID := run.batch.ID
	r.mu.Unlock()

	logger := r.logger.With("batch_id", batchID)
	pending := make(map[string]bool, len(order))
	for _, id := range order {
		pending[id] = true
	}
	inflight := make(map[string]bool)
	results := make(chan memberResult, len(order))
	stopped := false

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	record := func(id, status string) {
		delete(pending, id)
		delete(inflight, id)
		ok := status == scheduler.StatusDone.String() || status == scheduler.StatusMerged.String()
		if !ok && stopOnFailure && !stopped {
			logger.Info("member failed, not starting further members", "task_id", id, "status", status)
			stopped = true
		}
		r.update(ctx, run, func(b *Batch) {
			b.Results[id] = status
			if !ok {
				b.Failed++
			}
		})
	}

	track := func(id string) {
		inflight[id] = true
		go func() {
			out, found, err := r.pool.wait(ctx, id)
			switch {
			case err != nil:
				// Batch cancelled; the cancel path collects the member.
				return
			case found:
				results <- memberResult{taskID: id, status: string(out.Status)}
			default:
				// Finished before we started waiting.
				t, _ := r.graph.Get(id)
				status := ResultUndispatchable
				if t != nil {
					status = t.Status.String()
				}
				results <- memberResult{taskID: id, status: status}
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			r.cancelMembers(run, inflight, pending)
			return
		}

		if !stopped {
			r.startMembers(ctx, order, pending, inflight, serial, record, track)
		}

		if len(inflight) == 0 {
			if len(pending) == 0 {
				break
			}
			if stopped {
				for _, id := range order {
					if pending[id] {
						record(id, ResultSkipped)
					}
				}
				break
			}
			if r.stuck(order, pending) {
				for _, id := range order {
					if pending[id] {
						record(id, ResultUndispatchable)
					}
				}
				break
			}
		}

		select {
		case <-ctx.Done():
		case res := <-results:
			record(res.taskID, res.status)
		case <-ticker.C:
		}
	}

	final := r.update(ctx, run, func(b *Batch) {
		b.Status = aggregateStatus(len(b.TaskIDs), b.Failed)
	})
	logger.Info("batch finished", "status", final.Status, "failed", final.Failed)
	r.pool.publish(events.ActivityUpdate{
		ActivityType: events.ActivityBatchFinished,
		Agent:        "scheduler",
		Message:      fmt.Sprintf("batch %s %s: %d of %d failed", final.ID, final.Status, final.Failed, len(final.TaskIDs)),
	})
}

// startMembers starts every member that may start now. Serial batches start
// at most one member, and only when none is in flight.
func (r *BatchRunner) startMembers(ctx context.Context, order []string, pending, inflight map[string]bool, serial bool,
	record func(id, status string), track func(id string)) {
	for _, id := range order {
		if !pending[id] || inflight[id] {
			continue
		}
		if serial && len(inflight) > 0 {
			return
		}

		t, ok := r.graph.Get(id)
		if !ok {
			record(id, ResultUndispatchable)
			continue
		}
		switch {
		case t.Status.SatisfiesDependency():
			record(id, t.Status.String())
			continue
		case r.pool.IsRunning(id):
			track(id)
			continue
		case !t.Status.Dispatchable():
			record(id, t.Status.String())
			continue
		}

		if satisfied, _ := r.graph.DependencySatisfied(id); !satisfied {
			if serial {
				return
			}
			continue
		}

		_, err := r.pool.Start(ctx, id)
		switch {
		case err == nil:
			track(id)
		case errors.Is(err, ErrAlreadyRunning):
			track(id)
		case errors.Is(err, ErrPoolFull):
			return
		case errors.Is(err, scheduler.ErrDependencyNotSatisfied):
			// Lost a race with a dependency being reset; try again later.
			if serial {
				return
			}
		default:
			r.logger.Warn("failed to start batch member", "task_id", id, "error", err)
			record(id, ResultUndispatchable)
		}

		if serial {
			return
		}
	}
}

// stuck reports whether no pending member can ever start: each one waits on a
// dependency that has failed, is blocked, or was not started by this batch.
func (r *BatchRunner) stuck(order []string, pending map[string]bool) bool {
	for _, id := range order {
		if !pending[id] {
			continue
		}
		t, ok := r.graph.Get(id)
		if !ok {
			continue
		}
		if t.Status.Dispatchable() && r.depsCanFinish(t, pending) {
			return false
		}
	}
	return true
}

func (r *BatchRunner) depsCanFinish(t *scheduler.Task, pending map[string]bool) bool {
	for _, depID := range t.DependsOn {
		dep, ok := r.graph.Get(depID)
		if !ok {
			return false
		}
		if dep.Status.SatisfiesDependency() {
			continue
		}
		if pending[depID] && dep.Status.Dispatchable() {
			continue
		}
		if !pending[depID] && (dep.Status.Dispatchable() || dep.Status == scheduler.StatusInProgress) {
			// Outside the batch but still on its way.
			continue
		}
		return false
	}
	return true
}

// cancelMembers stops in-flight members and marks the batch CANCELLED.
func (r *BatchRunner) cancelMembers(run *batchRun, inflight, pending map[string]bool) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for id := range inflight {
		if err := r.pool.Stop(stopCtx, id); err != nil {
			r.logger.Warn("failed to stop batch member", "task_id", id, "error", err)
		}
	}

	final := r.update(stopCtx, run, func(b *Batch) {
		for id := range inflight {
			if t, ok := r.graph.Get(id); ok {
				b.Results[id] = t.Status.String()
			}
		}
		for id := range pending {
			if _, done := b.Results[id]; !done {
				b.Results[id] = ResultSkipped
			}
		}
		b.Status = BatchCancelled
	})
	r.logger.Info("batch cancelled", "batch_id", final.ID, "stopped", len(inflight))
	r.pool.publish(events.ActivityUpdate{
		ActivityType: events.ActivityBatchFinished,
		Agent:        "scheduler",
		Message:      fmt.Sprintf("batch %s cancelled", final.ID),
	})
}

// update applies fn to the batch under the lock and persists the result.
func (r *BatchRunner) update(ctx context.Context, run *batchRun, fn func(b *Batch)) *Batch {
	r.mu.Lock()
	fn(run.batch)
	run.batch.UpdatedAt = r.now()
	snapshot := run.batch.clone()
	r.mu.Unlock()

	r.save(ctx, snapshot)
	return snapshot
}

func (r *BatchRunner) save(ctx context.Context, b *Batch) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveBatch(context.WithoutCancel(ctx), b.record()); err != nil {
		r.logger.Warn("failed to persist batch", "batch_id", b.ID, "error", err)
	}
}

func aggregateStatus(total, failed int) BatchStatus {
	switch {
	case failed == 0:
		return BatchCompleted
	case failed >= total:
		return BatchFailed
	default:
		return BatchPartial
	}
}
