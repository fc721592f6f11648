package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Phase is the execution state of a single worker run.
type Phase string

const (
	PhasePending        Phase = "PENDING"
	PhaseInProgress     Phase = "IN_PROGRESS"
	PhaseVerifying      Phase = "VERIFYING"
	PhaseSelfCorrecting Phase = "SELF_CORRECTING"
	PhaseCompleted      Phase = "COMPLETED"
	PhaseBlocked        Phase = "BLOCKED"
	PhaseFailed         Phase = "FAILED"
	PhaseCancelled      Phase = "CANCELLED"
)

// Terminal reports whether the run is over.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseBlocked, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Config bounds a worker run.
type Config struct {
	MaxAttempts         int           // Self-correction budget (default 3)
	GenerationTimeout   time.Duration // Per generation call, zero disables
	VerificationTimeout time.Duration // Per verification call, zero disables
	WorkDir             string
}

// DefaultConfig returns the default worker limits.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		GenerationTimeout:   10 * time.Minute,
		VerificationTimeout: 5 * time.Minute,
	}
}

// AttemptRecorder persists the per-round attempt log.
type AttemptRecorder interface {
	SaveAttempt(ctx context.Context, a scheduler.Attempt) error
}

// Deps are the collaborators shared by every worker of a pool.
type Deps struct {
	Graph    *scheduler.Graph
	Context  backend.ContextBuilder // optional
	Applier  backend.Applier        // optional
	Events   events.Publisher       // optional
	Attempts AttemptRecorder        // optional
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Outcome is the result of one Execute call.
type Outcome struct {
	TaskID      string
	AgentID     string
	Phase       Phase
	Status      scheduler.TaskStatus // Status the task was left in
	RetryCount  int
	Generations int
	Diagnostic  string
	Err         error
	Duration    time.Duration
}

// Succeeded reports whether the task reached DONE.
func (o Outcome) Succeeded() bool { return o.Phase == PhaseCompleted }

// Worker drives one task through generate -> verify -> self-correct.
// A Worker is single-use.
type Worker struct {
	agentID string
	profile Profile
	deps    Deps
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	phase Phase
}

// New creates a worker for one execution.
func New(agentID string, profile Profile, deps Deps, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		agentID: agentID,
		profile: profile,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "worker", "agent_id", agentID, "kind", profile.Kind.String()),
		phase:   PhasePending,
	}
}

// Phase returns the current phase.
func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Execute runs the task, which the caller must already have moved to
// IN_PROGRESS with this worker's agent ID. The task is always left in a
// persisted status when Execute returns: DONE, BLOCKED, FAILED, or READY when
// ctx was cancelled.
func (w *Worker) Execute(ctx context.Context, task *scheduler.Task) Outcome {
	start := w.deps.Clock()
	out := Outcome{TaskID: task.ID, AgentID: w.agentID}
	logger := w.logger.With("task_id", task.ID)

	current, ok := w.deps.Graph.Get(task.ID)
	if !ok {
		out.Phase = PhaseFailed
		out.Err = fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, task.ID)
		return out
	}
	if current.Status != scheduler.StatusInProgress {
		out.Phase = PhasePending
		out.Status = current.Status
		out.Err = fmt.Errorf("%w: %s is %s, not IN_PROGRESS", scheduler.ErrInvalidState, task.ID, current.Status)
		return out
	}

	// Finalization must land even when ctx is already cancelled.
	fctx := context.WithoutCancel(ctx)
	initialRetry := current.RetryCount
	retry := current.RetryCount
	defer w.forgetSession(task.ID)

	finish := func(phase Phase, status scheduler.TaskStatus, diag string, err error, opts ...scheduler.TransitionOption) Outcome {
		w.setPhase(phase)
		opts = append(opts, scheduler.WithDiagnostic(diag))
		t, terr := w.deps.Graph.Transition(fctx, task.ID, status, opts...)
		if terr != nil {
			logger.Error("failed to finalize task", "status", status, "error", terr)
			if err == nil {
				err = terr
			} else {
				err = errors.Join(err, terr)
			}
		}
		out.Phase = phase
		out.Status = status
		out.RetryCount = retry
		if t != nil {
			out.RetryCount = t.RetryCount
		}
		out.Diagnostic = diag
		out.Err = err
		out.Duration = w.deps.Clock().Sub(start)
		w.publishStatus(task.ID, status, out.RetryCount, diag)
		return out
	}

	cancelled := func() Outcome {
		logger.Info("execution cancelled, returning task to READY")
		o := finish(PhaseCancelled, scheduler.StatusReady, "", ErrCancelled, scheduler.WithRetryCount(initialRetry))
		w.activity(events.ActivityTaskStopped, task.ID, fmt.Sprintf("%s stopped; back to READY", task.ID))
		return o
	}

	w.setPhase(PhaseInProgress)
	logger.Info("task started", "retry_count", retry)
	w.activity(events.ActivityTaskStarted, task.ID, fmt.Sprintf("%s started %s: %s", w.agentID, task.ID, task.Title))

	req := backend.Request{
		TaskID:       task.ID,
		Title:        task.Title,
		Description:  task.Description,
		AgentType:    w.profile.Kind.String(),
		SystemPrompt: w.profile.SystemPrompt,
		WorkDir:      w.cfg.WorkDir,
	}

	if w.deps.Context != nil {
		built, err := w.deps.Context.Build(ctx, req, task.WritesFiles)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			diag := fmt.Sprintf("building execution context: %v", err)
			o := finish(PhaseFailed, scheduler.StatusFailed, diag, err)
			w.activity(events.ActivityTaskFailed, task.ID, fmt.Sprintf("%s failed: %s", task.ID, summarize(diag, 200)))
			return o
		}
		req.Context = built
	}

	var diagnostics []string
	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		out.Generations++
		if out.Generations > 1 {
			w.setPhase(PhaseSelfCorrecting)
		}

		req.Attempt = retry
		req.Diagnostics = diagnostics
		failure := w.attempt(ctx, req, out.Generations)
		if errors.Is(failure, ErrCancelled) {
			return cancelled()
		}

		w.recordAttempt(fctx, task.ID, out.Generations, failure)

		if failure == nil {
			logger.Info("task completed", "retry_count", retry, "generations", out.Generations)
			o := finish(PhaseCompleted, scheduler.StatusDone, "", nil)
			w.activity(events.ActivityTaskCompleted, task.ID, fmt.Sprintf("%s completed after %d correction(s)", task.ID, retry))
			return o
		}

		diag := diagnosticOf(failure)
		if retry >= w.cfg.MaxAttempts {
			exhausted := &ResourceExhausted{RetryCount: retry, MaxAttempts: w.cfg.MaxAttempts, Last: failure}
			logger.Warn("retry budget exhausted, blocking task", "retry_count", retry, "error", failure)
			o := finish(PhaseBlocked, scheduler.StatusBlocked, diag, exhausted)
			w.publish(events.TaskBlocked{TaskID: task.ID, BlockedBy: []string{}, Reason: summarize(diag, 500)})
			w.activity(events.ActivityTaskBlocked, task.ID, fmt.Sprintf("%s blocked after %d correction(s): %s", task.ID, retry, summarize(diag, 200)))
			return o
		}

		w.setPhase(PhaseSelfCorrecting)
		n, err := w.deps.Graph.RecordCorrection(fctx, task.ID, diag)
		if err != nil {
			pdiag := fmt.Sprintf("recording correction attempt: %v", err)
			o := finish(PhaseFailed, scheduler.StatusFailed, pdiag, err)
			w.activity(events.ActivityTaskFailed, task.ID, fmt.Sprintf("%s failed: %s", task.ID, pdiag))
			return o
		}
		retry = n
		logger.Info("self-correcting", "retry_count", retry, "max_attempts", w.cfg.MaxAttempts, "error", failure)

		w.publish(events.CorrectionAttempt{
			TaskID:        task.ID,
			AgentID:       w.agentID,
			AttemptNumber: retry,
			MaxAttempts:   w.cfg.MaxAttempts,
			Status:        "retrying",
			ErrorSummary:  summarize(diag, 500),
		})
		w.activity(events.ActivityCorrectionAttempt, task.ID, fmt.Sprintf("%s correction %d/%d: %s", task.ID, retry, w.cfg.MaxAttempts, summarize(diag, 200)))
		diagnostics = append(diagnostics, diag)
	}
}

// attempt runs one generate -> apply -> verify round. It returns nil when
// verification passes, ErrCancelled when ctx was cancelled, and a
// *GenerationError or *VerificationFailure otherwise.
func (w *Worker) attempt(ctx context.Context, req backend.Request, n int) error {
	if w.profile.Generator == nil {
		return &GenerationError{Attempt: n, Err: errors.New("no generator configured")}
	}

	gctx, cancel := withTimeout(ctx, w.cfg.GenerationTimeout)
	gen, err := w.profile.Generator.Generate(gctx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &GenerationError{Attempt: n, Err: err}
	}

	if w.deps.Applier != nil && len(gen.Files) > 0 {
		if err := w.deps.Applier.Apply(ctx, req.WorkDir, gen.Files); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return &GenerationError{Attempt: n, Err: fmt.Errorf("applying changes: %w", err)}
		}
	}

	w.setPhase(PhaseVerifying)
	if w.profile.Verifier == nil {
		return nil
	}
	vctx, cancel := withTimeout(ctx, w.cfg.VerificationTimeout)
	res, err := w.profile.Verifier.Verify(vctx, req, gen)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &VerificationFailure{Attempt: n, Output: err.Error()}
	}
	if !res.Passed {
		return &VerificationFailure{Attempt: n, Output: res.Output}
	}
	return nil
}

func (w *Worker) recordAttempt(ctx context.Context, taskID string, n int, failure error) {
	if w.deps.Attempts == nil {
		return
	}
	a := scheduler.Attempt{
		TaskID:    taskID,
		AgentID:   w.agentID,
		Number:    n,
		Phase:     string(w.Phase()),
		Passed:    failure == nil,
		CreatedAt: w.deps.Clock(),
	}
	if failure != nil {
		a.Diagnostic = diagnosticOf(failure)
	}
	if err := w.deps.Attempts.SaveAttempt(ctx, a); err != nil {
		w.logger.Warn("failed to record attempt", "task_id", taskID, "attempt", n, "error", err)
	}
}

func (w *Worker) forgetSession(taskID string) {
	if f, ok := w.profile.Generator.(interface{ Forget(string) }); ok {
		f.Forget(taskID)
	}
}

func (w *Worker) publish(e events.Event) {
	if w.deps.Events == nil {
		return
	}
	w.deps.Events.Publish(events.TopicOf(e), e)
}

func (w *Worker) publishStatus(taskID string, status scheduler.TaskStatus, retry int, diag string) {
	w.publish(events.TaskStatusChanged{
		TaskID:     taskID,
		Status:     status.String(),
		RetryCount: retry,
		Diagnostic: summarize(diag, 500),
	})
}

func (w *Worker) activity(kind, taskID, msg string) {
	w.publish(events.ActivityUpdate{
		ActivityType: kind,
		Agent:        w.agentID,
		Message:      msg,
		TaskID:       taskID,
	})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
