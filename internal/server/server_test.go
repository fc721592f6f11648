package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/clientstate"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// holdGenerator blocks until the context ends or release is closed.
type holdGenerator struct {
	release chan struct{}
}

func (g *holdGenerator) Generate(ctx context.Context, req backend.Request) (backend.Generation, error) {
	select {
	case <-g.release:
		return backend.Generation{Summary: "ok"}, nil
	case <-ctx.Done():
		return backend.Generation{}, ctx.Err()
	}
}

type testServer struct {
	srv   *Server
	graph *scheduler.Graph
	bus   *events.EventBus
	pool  *orchestrator.Pool
	gen   *holdGenerator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	graph := scheduler.NewGraph()
	bus := events.NewEventBus(events.WithReplay(512))
	gen := &holdGenerator{release: make(chan struct{})}
	registry := worker.NewRegistry(worker.Profile{Kind: worker.KindBackend, Provider: "claude", Generator: gen})
	reg := prometheus.NewRegistry()
	pool := orchestrator.NewPool(orchestrator.Config{MaxConcurrent: 2, Worker: worker.Config{MaxAttempts: 3}},
		graph, registry, bus, worker.Deps{}, orchestrator.WithMetrics(orchestrator.NewMetrics(reg)))
	batches := orchestrator.NewBatchRunner(pool, orchestrator.WithPollInterval(10*time.Millisecond))

	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{
		Graph:    graph,
		Pool:     pool,
		Batches:  batches,
		Bus:      bus,
		Gatherer: reg,
	})
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = batches.Close(ctx)
		_ = pool.Close(ctx)
	})
	return &testServer{srv: srv, graph: graph, bus: bus, pool: pool, gen: gen}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createTask(t *testing.T, body map[string]any) TaskView {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/projects/p1/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndListTasks(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createTask(t, map[string]any{"id": "A", "title": "Schema", "status": "READY"})
	assert.Equal(t, "READY", a.Status)
	assert.Equal(t, "backend-worker", a.AgentType)
	assert.True(t, a.CanParallelize)

	b := ts.createTask(t, map[string]any{"id": "B", "title": "API", "depends_on": []string{"A"}, "agent_type": "nonsense"})
	assert.Equal(t, "BACKLOG", b.Status)
	assert.Equal(t, []string{"A"}, b.DependsOn)
	assert.Equal(t, "backend-worker", b.AgentType)

	rec := ts.do(t, http.MethodGet, "/api/projects/p1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[TaskListResponse](t, rec)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 1, list.ByStatus["READY"])
	assert.Equal(t, 1, list.ByStatus["BACKLOG"])
	assert.Equal(t, 0, list.ByStatus["DONE"])

	rec = ts.do(t, http.MethodGet, "/api/projects/p1/tasks?status=ready", nil)
	assert.Equal(t, 1, decode[TaskListResponse](t, rec).Total)

	rec = ts.do(t, http.MethodGet, "/api/projects/other/tasks", nil)
	assert.Equal(t, 0, decode[TaskListResponse](t, rec).Total)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})
	ts.createTask(t, map[string]any{"id": "B", "title": "B", "depends_on": []string{"A"}})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound},
		{"missing execution", http.MethodGet, "/api/executions/nope", nil, http.StatusNotFound},
		{"missing batch", http.MethodGet, "/api/batches/nope", nil, http.StatusNotFound},
		{"duplicate task", http.MethodPost, "/api/projects/p1/tasks", map[string]any{"id": "A", "title": "again"}, http.StatusConflict},
		{"title required", http.MethodPost, "/api/projects/p1/tasks", map[string]any{"id": "C"}, http.StatusUnprocessableEntity},
		{"unknown dependency", http.MethodPost, "/api/projects/p1/tasks", map[string]any{"id": "C", "title": "C", "depends_on": []string{"ghost"}}, http.StatusUnprocessableEntity},
		{"created in progress", http.MethodPost, "/api/projects/p1/tasks", map[string]any{"id": "C", "title": "C", "status": "DONE"}, http.StatusUnprocessableEntity},
		{"cycle", http.MethodPost, "/api/tasks/A/dependencies", map[string]any{"depends_on": "B"}, http.StatusUnprocessableEntity},
		{"bad status", http.MethodPatch, "/api/tasks/A/status", map[string]any{"status": "SLEEPING"}, http.StatusUnprocessableEntity},
		{"illegal transition", http.MethodPatch, "/api/tasks/A/status", map[string]any{"status": "MERGED"}, http.StatusConflict},
		{"claim through patch", http.MethodPatch, "/api/tasks/A/status", map[string]any{"status": "IN_PROGRESS"}, http.StatusConflict},
		{"dependencies not done", http.MethodPost, "/api/tasks/B/execute", nil, http.StatusConflict},
		{"reset ready task", http.MethodPost, "/api/tasks/A/reset", nil, http.StatusConflict},
		{"empty batch", http.MethodPost, "/api/batches", map[string]any{"task_ids": []string{}}, http.StatusUnprocessableEntity},
		{"batch unknown task", http.MethodPost, "/api/batches", map[string]any{"task_ids": []string{"ghost"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
			}
		})
	}

	// Rejected edits leave the graph as it was.
	a, _ := ts.graph.Get("A")
	assert.Empty(t, a.DependsOn)
	assert.Equal(t, scheduler.StatusReady, a.Status)
}

func TestExecuteStopLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})

	rec := ts.do(t, http.MethodPost, "/api/tasks/A/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	handle := decode[orchestrator.ExecutionHandle](t, rec)
	assert.Equal(t, "A", handle.TaskID)
	assert.Equal(t, "backend-worker-001", handle.AgentID)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/tasks/A/execute", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPatch, "/api/tasks/A/status", map[string]any{"status": "DONE"}).Code)

	rec = ts.do(t, http.MethodGet, "/api/executions/"+handle.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ExecRunning, decode[orchestrator.ExecutionHandle](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/tasks/A/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", decode[TaskView](t, rec).Status)

	// Stopping again is a no-op.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/tasks/A/stop", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/tasks/ghost/stop", nil).Code)
}

func TestManualBlockAndReset(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})

	rec := ts.do(t, http.MethodPatch, "/api/tasks/A/status", map[string]any{"status": "BLOCKED", "diagnostic": "waiting on credentials"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "waiting on credentials", decode[TaskView](t, rec).Diagnostic)

	rec = ts.do(t, http.MethodPost, "/api/tasks/A/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[TaskView](t, rec)
	assert.Equal(t, "READY", view.Status)
	assert.Equal(t, 0, view.RetryCount)

	// Second reset on a READY task is rejected.
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/tasks/A/reset", nil).Code)

	var sawUnblocked bool
	for _, ev := range ts.bus.Recent(0) {
		if ev.EventType() == events.TypeTaskUnblocked {
			sawUnblocked = true
		}
	}
	assert.True(t, sawUnblocked)
}

func TestBatchEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})
	ts.createTask(t, map[string]any{"id": "B", "title": "B", "status": "READY"})

	rec := ts.do(t, http.MethodPost, "/api/batches", map[string]any{"task_ids": []string{"A", "B"}, "strategy": "parallel"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	batch := decode[orchestrator.Batch](t, rec)
	require.NotEmpty(t, batch.ID)

	close(ts.gen.release)
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/batches/"+batch.ID, nil)
		return decode[orchestrator.Batch](t, rec).Status == orchestrator.BatchCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.BatchCompleted, decode[orchestrator.Batch](t, rec).Status)
}

func TestSnapshotIsStampedWithSequence(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})
	ts.createTask(t, map[string]any{"id": "B", "title": "B", "status": "READY"})
	ts.bus.Emit(events.ActivityUpdate{ActivityType: "note", Agent: "scheduler", Message: "first"})
	ts.bus.Emit(events.ActivityUpdate{ActivityType: "note", Agent: "scheduler", Message: "second"})

	rec := ts.do(t, http.MethodGet, "/api/projects/p1/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[clientstate.Snapshot](t, rec)

	assert.Equal(t, ts.bus.Sequence(), snap.Sequence)
	require.Len(t, snap.Tasks, 2)
	for _, task := range snap.Tasks {
		assert.Equal(t, snap.Sequence, task.Timestamp)
	}
	require.Len(t, snap.Activity, 2)
	assert.Equal(t, "second", snap.Activity[0].Message, "newest first")
	assert.Equal(t, 2, snap.Progress.TotalTasks)
}

func TestSnapshotCarriesBlockedBy(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})
	ts.createTask(t, map[string]any{"id": "B", "title": "B", "status": "READY", "depends_on": []string{"A"}})

	rec := ts.do(t, http.MethodPatch, "/api/tasks/B/status", map[string]any{"status": "BLOCKED", "diagnostic": "needs A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap := decode[clientstate.Snapshot](t, ts.do(t, http.MethodGet, "/api/projects/p1/snapshot", nil))
	byID := map[string]clientstate.Task{}
	for _, task := range snap.Tasks {
		byID[task.ID] = task
	}
	assert.Equal(t, []string{"A"}, byID["B"].BlockedBy)
	assert.Empty(t, byID["A"].BlockedBy)

	// A resync keeps what the task_blocked event reported.
	state := clientstate.Reduce(clientstate.NewState(), clientstate.FullResync{Snapshot: snap})
	assert.Equal(t, []string{"A"}, state.Tasks["B"].BlockedBy)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.srv.hub.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.Decode(data)
	require.NoError(t, err)
	changed, ok := ev.(events.TaskStatusChanged)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "A", changed.TaskID)
	assert.Equal(t, "READY", changed.Status)
	assert.Positive(t, changed.Timestamp)

	// A dropped client does not affect publishers.
	conn.Close()
	require.Eventually(t, func() bool { return ts.srv.hub.count() == 0 }, 5*time.Second, 5*time.Millisecond)
	ts.createTask(t, map[string]any{"id": "B", "title": "B"})
}

// handshakeConn runs onHandshake just before the server writes the upgrade
// response, i.e. the moment a client may start its resync.
type handshakeConn struct {
	net.Conn
	once        sync.Once
	onHandshake func()
}

func (c *handshakeConn) Write(p []byte) (int, error) {
	c.once.Do(c.onHandshake)
	return c.Conn.Write(p)
}

type handshakeWriter struct {
	http.ResponseWriter
	onHandshake func()
}

func (w handshakeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err != nil {
		return nil, nil, err
	}
	return &handshakeConn{Conn: conn, onHandshake: w.onHandshake}, rw, nil
}

func TestEventStreamIncludesEventsFromHandshake(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.srv.Handler()
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			w = handshakeWriter{ResponseWriter: w, onHandshake: func() {
				ts.bus.Emit(events.ActivityUpdate{ActivityType: "note", Agent: "scheduler", Message: "during handshake"})
			}}
		}
		handler.ServeHTTP(w, r)
	}))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "event published during the handshake was not streamed")
	ev, err := events.Decode(data)
	require.NoError(t, err)
	activity, ok := ev.(events.ActivityUpdate)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "during handshake", activity.Message)
}

func TestEventStreamRejectsPlainRequest(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ts.srv.hub.count())
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Capacity)

	ts.createTask(t, map[string]any{"id": "A", "title": "A", "status": "READY"})
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/tasks/A/execute", nil).Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskforge_pool_tasks_dispatched_total")
}
