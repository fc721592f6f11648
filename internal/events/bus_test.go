package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality and stamping.
func TestPublishSubscribe(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewEventBus(WithClock(func() time.Time { return at }))
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	returned := bus.Publish(TopicTask, TaskAssigned{TaskID: "task-1", AgentID: "backend-worker-001"})
	if returned.Seq() != 1 {
		t.Errorf("returned Seq() = %d, want 1", returned.Seq())
	}

	select {
	case received := <-ch:
		assigned, ok := received.(TaskAssigned)
		if !ok {
			t.Fatalf("received %T, want TaskAssigned", received)
		}
		if assigned.TaskID != "task-1" || assigned.Type != TypeTaskAssigned {
			t.Errorf("received %+v", assigned)
		}
		if assigned.Timestamp != 1 || !assigned.Time.Equal(at) {
			t.Errorf("stamp = (%d, %v), want (1, %v)", assigned.Timestamp, assigned.Time, at)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestSequenceStrictlyIncreasing verifies concurrent publishers get unique, ordered sequence numbers.
func TestSequenceStrictlyIncreasing(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Emit(TaskStatusChanged{TaskID: "t", Status: "READY"})
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < 400; i++ {
		ev := <-all
		if ev.Seq() <= last {
			t.Fatalf("event %d has seq %d after %d", i, ev.Seq(), last)
		}
		last = ev.Seq()
	}
	if bus.Sequence() != 400 {
		t.Errorf("Sequence() = %d, want 400", bus.Sequence())
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStatusChanged{TaskID: "task-2", Status: "DONE"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.(TaskStatusChanged).TaskID != "task-2" {
				t.Errorf("subscriber %d: got %+v", i+1, received)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	var hookCalls int
	var mu sync.Mutex
	bus := NewEventBus(WithDropHook(func(topic string) {
		mu.Lock()
		hookCalls++
		mu.Unlock()
	}))
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskUnblocked{TaskID: "task"})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	if received := <-ch; received.Seq() != 1 {
		t.Errorf("buffered event seq = %d, want 1", received.Seq())
	}
	if bus.Dropped() != 9 {
		t.Errorf("Dropped() = %d, want 9", bus.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if hookCalls != 9 {
		t.Errorf("drop hook called %d times, want 9", hookCalls)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}

	// Publishing after close must not panic.
	ev := bus.Publish(TopicTask, TaskUnblocked{TaskID: "x"})
	if ev == nil || ev.Seq() == 0 {
		t.Errorf("Publish after close returned %v", ev)
	}
}

// TestUnsubscribe verifies a removed subscriber stops receiving and is closed.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicAgent, 10)
	gone := bus.Subscribe(TopicAgent, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(gone)
	bus.Unsubscribe(all)

	bus.Emit(AgentRetiredEvent{AgentID: "a"})

	if _, ok := <-gone; ok {
		t.Error("unsubscribed topic channel still open")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed all-topics channel still open")
	}
	select {
	case <-keep:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber did not receive the event")
	}
}

// TestTopicIsolation verifies topic routing and SubscribeAll fan-in.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	progressCh := bus.Subscribe(TopicProgress, 10)
	allCh := bus.SubscribeAll(10)

	bus.Emit(TaskStatusChanged{TaskID: "t1", Status: "DONE"})
	bus.Emit(NewProgress("p", 1, 4))

	if ev := <-taskCh; ev.EventType() != TypeTaskStatusChanged {
		t.Errorf("task channel got %s", ev.EventType())
	}
	if ev := <-progressCh; ev.EventType() != TypeProgressUpdate {
		t.Errorf("progress channel got %s", ev.EventType())
	}
	select {
	case ev := <-taskCh:
		t.Errorf("task channel received unexpected %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-allCh:
			got[ev.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("SubscribeAll timeout")
		}
	}
	if !got[TypeTaskStatusChanged] || !got[TypeProgressUpdate] {
		t.Errorf("SubscribeAll received %v", got)
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{AgentCreated{}, TopicAgent},
		{AgentStatusChanged{}, TopicAgent},
		{AgentRetiredEvent{}, TopicAgent},
		{TaskAssigned{}, TopicTask},
		{TaskBlocked{}, TopicTask},
		{CorrectionAttempt{}, TopicTask},
		{ActivityUpdate{}, TopicActivity},
		{ProgressUpdate{}, TopicProgress},
	}
	for _, tt := range tests {
		if got := TopicOf(tt.event); got != tt.want {
			t.Errorf("TopicOf(%T) = %s, want %s", tt.event, got, tt.want)
		}
	}
}

// TestRecent verifies the replay window keeps the newest events in order.
func TestRecent(t *testing.T) {
	bus := NewEventBus(WithReplay(3))
	defer bus.Close()

	if got := bus.Recent(10); len(got) != 0 {
		t.Fatalf("Recent() on empty bus = %v", got)
	}

	for i := 0; i < 5; i++ {
		bus.Emit(TaskUnblocked{TaskID: "t"})
	}

	got := bus.Recent(10)
	if len(got) != 3 {
		t.Fatalf("Recent(10) returned %d events, want 3", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i].Seq() != want {
			t.Errorf("Recent()[%d].Seq() = %d, want %d", i, got[i].Seq(), want)
		}
	}
	if two := bus.Recent(2); len(two) != 2 || two[0].Seq() != 4 {
		t.Errorf("Recent(2) = %v", two)
	}

	off := NewEventBus(WithReplay(0))
	off.Emit(TaskUnblocked{TaskID: "t"})
	if got := off.Recent(5); len(got) != 0 {
		t.Errorf("disabled replay returned %d events", len(got))
	}
}

func TestNewProgress(t *testing.T) {
	tests := []struct {
		completed, total int
		want             float64
	}{
		{0, 0, 0},
		{1, 4, 25},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := NewProgress("p", tt.completed, tt.total).Percentage; got != tt.want {
			t.Errorf("NewProgress(%d, %d).Percentage = %v, want %v", tt.completed, tt.total, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, ev Event)
	}{
		{
			name:  "agent created",
			input: `{"type":"agent_created","agent_id":"backend-worker-001","agent_type":"backend-worker","timestamp":7}`,
			check: func(t *testing.T, ev Event) {
				e := ev.(AgentCreated)
				if e.AgentID != "backend-worker-001" || e.Seq() != 7 {
					t.Errorf("decoded %+v", e)
				}
			},
		},
		{
			name:  "malformed agent type falls back",
			input: `{"type":"agent_created","agent_id":"x-001","agent_type":"wizard","timestamp":1}`,
			check: func(t *testing.T, ev Event) {
				if got := ev.(AgentCreated).AgentType; got != AgentTypeBackend {
					t.Errorf("AgentType = %q, want %q", got, AgentTypeBackend)
				}
			},
		},
		{
			name:    "agent created without agent id",
			input:   `{"type":"agent_created","agent_type":"lead","timestamp":1}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "missing timestamp",
			input:   `{"type":"task_unblocked","task_id":"t"}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:  "progress without timestamp",
			input: `{"type":"progress_update","completed_tasks":1,"total_tasks":2,"percentage":50}`,
			check: func(t *testing.T, ev Event) {
				if ev.(ProgressUpdate).TotalTasks != 2 {
					t.Errorf("decoded %+v", ev)
				}
			},
		},
		{
			name:    "status change without status",
			input:   `{"type":"task_status_changed","task_id":"t","timestamp":3}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "unknown type",
			input:   `{"type":"agent_teleported","timestamp":3}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "not json",
			input:   `{nope`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "wrong field type",
			input:   `{"type":"task_blocked","task_id":"t","blocked_by":"x","timestamp":2}`,
			wantErr: ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, ev)
		})
	}
}

// TestDecodePublishedEvent verifies what the bus stamps is what Decode reads back.
func TestDecodePublishedEvent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	stamped := bus.Emit(CorrectionAttempt{TaskID: "Z", AgentID: "backend-worker-001", AttemptNumber: 2, MaxAttempts: 3, Status: "retrying"})
	data, err := json.Marshal(stamped)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := ev.(CorrectionAttempt)
	if got.Type != TypeCorrectionAttempt || got.AttemptNumber != 2 || got.Seq() != stamped.Seq() {
		t.Errorf("decoded %+v", got)
	}
}
