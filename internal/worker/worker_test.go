package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

// scriptedGenerator returns errs[i] on the i-th call; calls past the end succeed.
type scriptedGenerator struct {
	mu       sync.Mutex
	errs     []error
	requests []backend.Request
	forgot   []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, req backend.Request) (backend.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.requests)
	g.requests = append(g.requests, req)
	if n < len(g.errs) && g.errs[n] != nil {
		return backend.Generation{}, g.errs[n]
	}
	return backend.Generation{
		Files:   []backend.FileChange{{Path: "out.txt", Action: backend.ActionWrite, Content: "v"}},
		Summary: "done",
	}, nil
}

func (g *scriptedGenerator) Forget(taskID string) {
	g.mu.Lock()
	g.forgot = append(g.forgot, taskID)
	g.mu.Unlock()
}

func (g *scriptedGenerator) calls() []backend.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]backend.Request(nil), g.requests...)
}

// scriptedVerifier passes when results[i] is true; calls past the end pass.
type scriptedVerifier struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (v *scriptedVerifier) Verify(ctx context.Context, req backend.Request, gen backend.Generation) (backend.Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.calls
	v.calls++
	if n < len(v.results) && !v.results[n] {
		return backend.Verification{Passed: false, Output: "FAIL: TestThing (round " + string(rune('1'+n)) + ")"}, nil
	}
	return backend.Verification{Passed: true, Output: "ok"}, nil
}

// blockingGenerator waits for its context, signalling entry on started.
type blockingGenerator struct {
	started chan struct{}
	once    sync.Once
}

func (g *blockingGenerator) Generate(ctx context.Context, req backend.Request) (backend.Generation, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return backend.Generation{}, ctx.Err()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(topic string, e events.Event) events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return e
}

func (p *recordingPublisher) activities(kind string) []events.ActivityUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.ActivityUpdate
	for _, e := range p.events {
		if a, ok := e.(events.ActivityUpdate); ok && a.ActivityType == kind {
			out = append(out, a)
		}
	}
	return out
}

func (p *recordingPublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []scheduler.Attempt
}

func (l *attemptLog) SaveAttempt(ctx context.Context, a scheduler.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

type failingContext struct{}

func (failingContext) Build(ctx context.Context, req backend.Request, writes []string) (string, error) {
	return "", errors.New("permission denied")
}

type failingPersister struct{ fail bool }

func (p *failingPersister) SaveTask(ctx context.Context, t *scheduler.Task) error {
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

// claimedTask adds a task to g and moves it to IN_PROGRESS for agentID.
func claimedTask(t *testing.T, g *scheduler.Graph, id, agentID string) *scheduler.Task {
	t.Helper()
	ctx := context.Background()
	if err := g.AddTask(ctx, &scheduler.Task{ID: id, ProjectID: "p1", Title: "Task " + id, AgentType: "backend-worker"}); err != nil {
		t.Fatalf("AddTask(%s): %v", id, err)
	}
	if _, err := g.Transition(ctx, id, scheduler.StatusReady); err != nil {
		t.Fatalf("Transition(%s, READY): %v", id, err)
	}
	task, err := g.Transition(ctx, id, scheduler.StatusInProgress, scheduler.WithAgent(agentID))
	if err != nil {
		t.Fatalf("Transition(%s, IN_PROGRESS): %v", id, err)
	}
	return task
}

func newTestWorker(g *scheduler.Graph, gen backend.Generator, ver backend.Verifier, pub events.Publisher, log AttemptRecorder) *Worker {
	return New("backend-worker-001",
		Profile{Kind: KindBackend, Generator: gen, Verifier: ver},
		Deps{Graph: g, Events: pub, Attempts: log},
		Config{MaxAttempts: 3},
	)
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &scriptedGenerator{}
	pub := &recordingPublisher{}

	w := newTestWorker(g, gen, &scriptedVerifier{}, pub, nil)
	out := w.Execute(context.Background(), task)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Phase != PhaseCompleted || out.Status != scheduler.StatusDone {
		t.Errorf("outcome = %s/%s, want COMPLETED/DONE", out.Phase, out.Status)
	}
	if w.Phase() != PhaseCompleted {
		t.Errorf("worker phase = %s, want COMPLETED", w.Phase())
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusDone || got.AssignedAgent != "" {
		t.Errorf("task = %s assigned %q, want DONE unassigned", got.Status, got.AssignedAgent)
	}
	if len(pub.activities(events.ActivityTaskStarted)) != 1 {
		t.Error("expected one task_started activity")
	}
	if len(pub.activities(events.ActivityTaskCompleted)) != 1 {
		t.Error("expected one task_completed activity")
	}
	if len(gen.forgot) != 1 || gen.forgot[0] != "T-1" {
		t.Errorf("session not forgotten: %v", gen.forgot)
	}
}

func TestExecuteSelfCorrects(t *testing.T) {
	// Fail, fail, pass.
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &scriptedGenerator{}
	ver := &scriptedVerifier{results: []bool{false, false, true}}
	pub := &recordingPublisher{}
	log := &attemptLog{}

	out := newTestWorker(g, gen, ver, pub, log).Execute(context.Background(), task)

	if out.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED (err %v)", out.Phase, out.Err)
	}
	if out.RetryCount != 2 || out.Generations != 3 {
		t.Errorf("retry=%d generations=%d, want 2 and 3", out.RetryCount, out.Generations)
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusDone || got.RetryCount != 2 {
		t.Errorf("task = %s retry %d, want DONE retry 2", got.Status, got.RetryCount)
	}

	corrections := pub.activities(events.ActivityCorrectionAttempt)
	if len(corrections) != 2 {
		t.Fatalf("correction_attempt activities = %d, want 2", len(corrections))
	}
	if !strings.Contains(corrections[0].Message, "1/3") || !strings.Contains(corrections[1].Message, "2/3") {
		t.Errorf("unexpected correction messages: %q, %q", corrections[0].Message, corrections[1].Message)
	}
	if n := len(pub.ofType(events.TypeCorrectionAttempt)); n != 2 {
		t.Errorf("correction_attempt events = %d, want 2", n)
	}

	// Each regeneration sees every earlier failure.
	reqs := gen.calls()
	if len(reqs) != 3 {
		t.Fatalf("generate calls = %d, want 3", len(reqs))
	}
	for i, req := range reqs {
		if len(req.Diagnostics) != i || req.Attempt != i {
			t.Errorf("call %d: %d diagnostics attempt %d, want %d", i, len(req.Diagnostics), req.Attempt, i)
		}
	}

	if len(log.attempts) != 3 {
		t.Fatalf("recorded attempts = %d, want 3", len(log.attempts))
	}
	if log.attempts[0].Passed || !log.attempts[2].Passed {
		t.Errorf("attempt pass flags wrong: %+v", log.attempts)
	}
	if log.attempts[2].Number != 3 {
		t.Errorf("last attempt number = %d, want 3", log.attempts[2].Number)
	}
}

func TestExecuteBlocksWhenBudgetExhausted(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &scriptedGenerator{}
	ver := &scriptedVerifier{results: []bool{false, false, false, false, false}}
	pub := &recordingPublisher{}

	out := newTestWorker(g, gen, ver, pub, nil).Execute(context.Background(), task)

	if out.Phase != PhaseBlocked || out.Status != scheduler.StatusBlocked {
		t.Fatalf("outcome = %s/%s, want BLOCKED", out.Phase, out.Status)
	}
	var exhausted *ResourceExhausted
	if !errors.As(out.Err, &exhausted) {
		t.Fatalf("err = %v, want *ResourceExhausted", out.Err)
	}
	if exhausted.RetryCount != 3 || exhausted.MaxAttempts != 3 {
		t.Errorf("exhausted = %+v", exhausted)
	}
	// One initial generation plus three corrections.
	if n := len(gen.calls()); n != 4 {
		t.Errorf("generate calls = %d, want 4", n)
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusBlocked || got.RetryCount != 3 {
		t.Errorf("task = %s retry %d, want BLOCKED retry 3", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.Diagnostic, "FAIL: TestThing") {
		t.Errorf("diagnostic = %q, want last verification output", got.Diagnostic)
	}
	if n := len(pub.ofType(events.TypeTaskBlocked)); n != 1 {
		t.Errorf("task_blocked events = %d, want 1", n)
	}
	if n := len(pub.activities(events.ActivityTaskBlocked)); n != 1 {
		t.Errorf("task_blocked activities = %d, want 1", n)
	}
}

func TestExecuteCancellationReturnsTaskToReady(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &blockingGenerator{started: make(chan struct{})}
	pub := &recordingPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- newTestWorker(g, gen, nil, pub, nil).Execute(ctx, task)
	}()

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generator never started")
	}
	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	if !errors.Is(out.Err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", out.Err)
	}
	if out.Phase != PhaseCancelled {
		t.Errorf("phase = %s, want CANCELLED", out.Phase)
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusReady || got.RetryCount != 0 || got.AssignedAgent != "" {
		t.Errorf("task = %s retry %d agent %q, want READY retry 0 unassigned", got.Status, got.RetryCount, got.AssignedAgent)
	}
	if len(pub.activities(events.ActivityTaskFailed)) != 0 || len(pub.activities(events.ActivityTaskBlocked)) != 0 {
		t.Error("cancellation must not be reported as a failure")
	}
	if len(pub.activities(events.ActivityTaskStopped)) != 1 {
		t.Error("expected one task_stopped activity")
	}
}

func TestExecuteCancellationRestoresRetryCount(t *testing.T) {
	// Corrections made during a cancelled run do not stick.
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")

	ctx, cancel := context.WithCancel(context.Background())
	ver := &cancellingVerifier{cancel: cancel, after: 2}
	out := newTestWorker(g, &scriptedGenerator{}, ver, nil, nil).Execute(ctx, task)

	if !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", out.Err)
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusReady || got.RetryCount != 0 {
		t.Errorf("task = %s retry %d, want READY retry 0", got.Status, got.RetryCount)
	}
}

// cancellingVerifier fails every round and cancels after the given number of calls.
type cancellingVerifier struct {
	cancel context.CancelFunc
	after  int
	calls  int
}

func (v *cancellingVerifier) Verify(ctx context.Context, req backend.Request, gen backend.Generation) (backend.Verification, error) {
	v.calls++
	if v.calls >= v.after {
		v.cancel()
	}
	return backend.Verification{Passed: false, Output: "still failing"}, nil
}

func TestExecuteGenerationErrorIsRetried(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &scriptedGenerator{errs: []error{backend.ErrMalformedOutput}}

	out := newTestWorker(g, gen, &scriptedVerifier{}, nil, nil).Execute(context.Background(), task)

	if out.Phase != PhaseCompleted || out.RetryCount != 1 {
		t.Errorf("outcome = %s retry %d, want COMPLETED retry 1", out.Phase, out.RetryCount)
	}
	reqs := gen.calls()
	if len(reqs) != 2 || !strings.Contains(reqs[1].Diagnostics[0], "malformed") {
		t.Errorf("second request diagnostics = %v", reqs[len(reqs)-1].Diagnostics)
	}
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")

	gen := &slowOnceGenerator{}
	w := New("backend-worker-001",
		Profile{Kind: KindBackend, Generator: gen},
		Deps{Graph: g},
		Config{MaxAttempts: 3, GenerationTimeout: 50 * time.Millisecond},
	)
	out := w.Execute(context.Background(), task)

	if out.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED (err %v)", out.Phase, out.Err)
	}
	if out.RetryCount != 1 {
		t.Errorf("retry = %d, want 1", out.RetryCount)
	}
}

// slowOnceGenerator blocks past its deadline on the first call only.
type slowOnceGenerator struct{ calls int }

func (g *slowOnceGenerator) Generate(ctx context.Context, req backend.Request) (backend.Generation, error) {
	g.calls++
	if g.calls == 1 {
		<-ctx.Done()
		return backend.Generation{}, ctx.Err()
	}
	return backend.Generation{}, nil
}

func TestExecuteContextBuildFailure(t *testing.T) {
	g := scheduler.NewGraph()
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	gen := &scriptedGenerator{}
	pub := &recordingPublisher{}

	w := New("backend-worker-001",
		Profile{Kind: KindBackend, Generator: gen},
		Deps{Graph: g, Context: failingContext{}, Events: pub},
		Config{MaxAttempts: 3},
	)
	out := w.Execute(context.Background(), task)

	if out.Phase != PhaseFailed || out.Status != scheduler.StatusFailed {
		t.Fatalf("outcome = %s/%s, want FAILED", out.Phase, out.Status)
	}
	got, _ := g.Get("T-1")
	if !strings.Contains(got.Diagnostic, "permission denied") {
		t.Errorf("diagnostic = %q", got.Diagnostic)
	}
	if len(gen.calls()) != 0 {
		t.Error("generator must not run without context")
	}
	if len(pub.activities(events.ActivityTaskFailed)) != 1 {
		t.Error("expected one task_failed activity")
	}
}

func TestExecutePersistenceFailureFailsTask(t *testing.T) {
	p := &failingPersister{}
	g := scheduler.NewGraph(scheduler.WithPersister(p))
	task := claimedTask(t, g, "T-1", "backend-worker-001")
	p.fail = true

	ver := &scriptedVerifier{results: []bool{false}}
	out := newTestWorker(g, &scriptedGenerator{}, ver, nil, nil).Execute(context.Background(), task)

	if out.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want FAILED", out.Phase)
	}
	if !errors.Is(out.Err, scheduler.ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", out.Err)
	}
	got, _ := g.Get("T-1")
	if got.Status != scheduler.StatusFailed || !strings.Contains(got.Diagnostic, "disk full") {
		t.Errorf("task = %s %q", got.Status, got.Diagnostic)
	}
}

func TestExecuteRejectsUnclaimedTask(t *testing.T) {
	g := scheduler.NewGraph()
	ctx := context.Background()
	if err := g.AddTask(ctx, &scheduler.Task{ID: "T-1", Status: scheduler.StatusReady}); err != nil {
		t.Fatal(err)
	}
	task, _ := g.Get("T-1")
	gen := &scriptedGenerator{}

	out := newTestWorker(g, gen, nil, nil, nil).Execute(ctx, task)

	if !errors.Is(out.Err, scheduler.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", out.Err)
	}
	if len(gen.calls()) != 0 {
		t.Error("generator ran for an unclaimed task")
	}
}

func TestRegistryLookup(t *testing.T) {
	gen := &scriptedGenerator{}
	r := NewRegistry(
		Profile{Kind: KindBackend, Provider: "claude", Generator: gen},
		Profile{Kind: KindTest, Provider: "codex", Generator: gen},
	)

	tests := []struct {
		name         string
		kind         Kind
		wantProvider string
	}{
		{"registered", KindTest, "codex"},
		{"falls back", KindFrontend, "claude"},
		{"unknown type", ParseKind("designer"), "claude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Lookup(tt.kind)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if p.Provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", p.Provider, tt.wantProvider)
			}
		})
	}

	if _, err := NewRegistry().Lookup(KindLead); err == nil {
		t.Error("empty registry should fail lookup")
	}
}
