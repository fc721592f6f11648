package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(topic string, event Event) Event
}

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Every published event is stamped with a strictly increasing sequence number,
// and subscribers receive events in sequence order.
type EventBus struct {
	mu      sync.Mutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	seq     int64

	ring     []Event // replay window, diagnostics only
	ringNext int
	ringLen  int

	dropped atomic.Int64
	onDrop  func(topic string)
	now     func() time.Time
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithReplay sets the replay window size (default 256, zero disables it).
func WithReplay(n int) Option {
	return func(b *EventBus) {
		if n < 0 {
			n = 0
		}
		b.ring = make([]Event, n)
	}
}

// WithDropHook registers fn to be called, outside the bus lock, once per
// delivery dropped on a full subscriber buffer.
func WithDropHook(fn func(topic string)) Option {
	return func(b *EventBus) { b.onDrop = fn }
}

// WithClock overrides the wall clock stamped into events.
func WithClock(now func() time.Time) Option {
	return func(b *EventBus) { b.now = now }
}

// NewEventBus creates a new event bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs: make(map[string][]chan Event),
		ring: make([]Event, 256),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for topic, channels := range b.subs {
		for i, ch := range channels {
			if ch == sub {
				b.subs[topic] = append(channels[:i:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}
	for i, ch := range b.allSubs {
		if ch == sub {
			b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish stamps the event and sends it to every subscriber of the topic and
// every SubscribeAll channel. Sends never block: a full subscriber loses the
// event and the drop is counted. The stamped event is returned.
func (b *EventBus) Publish(topic string, event Event) Event {
	if event == nil {
		return nil
	}

	var drops []string
	b.mu.Lock()
	b.seq++
	stamped := event.stamp(b.seq, b.now())

	if b.closed {
		b.mu.Unlock()
		return stamped
	}

	if len(b.ring) > 0 {
		b.ring[b.ringNext] = stamped
		b.ringNext = (b.ringNext + 1) % len(b.ring)
		if b.ringLen < len(b.ring) {
			b.ringLen++
		}
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- stamped:
		default:
			drops = append(drops, topic)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- stamped:
		default:
			drops = append(drops, topic)
		}
	}
	b.mu.Unlock()

	if len(drops) > 0 {
		b.dropped.Add(int64(len(drops)))
		if b.onDrop != nil {
			for _, t := range drops {
				b.onDrop(t)
			}
		}
	}
	return stamped
}

// Emit publishes the event on its default topic.
func (b *EventBus) Emit(event Event) Event {
	return b.Publish(TopicOf(event), event)
}

// Recent returns up to n of the most recently published events, oldest first.
func (b *EventBus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.ringLen {
		n = b.ringLen
	}
	out := make([]Event, 0, n)
	start := (b.ringNext - n + len(b.ring)) % max(len(b.ring), 1)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Sequence returns the last assigned sequence number.
func (b *EventBus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped returns how many deliveries were dropped on full subscriber buffers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
