package clientstate

import (
	"log/slog"
	"sync"
)

// Store serializes dispatches into the reducer and notifies subscribers when
// the state pointer changes.
type Store struct {
	mu     sync.Mutex
	state  *State
	subs   map[chan struct{}]struct{}
	logger *slog.Logger
}

// NewStore creates a Store holding an empty state.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:  NewState(),
		subs:   make(map[chan struct{}]struct{}),
		logger: logger.With("component", "clientstate"),
	}
}

// State returns the current state. Callers must treat it as read-only.
func (s *Store) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies a and reports whether the state changed.
func (s *Store) Dispatch(a Action) bool {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, a)
	changed := next != prev
	if changed {
		s.state = next
		for ch := range s.subs {
			// Coalesce: a pending notification already covers this change.
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()

	if !changed {
		switch a.(type) {
		case ConnectionChanged, ProgressUpdated:
		default:
			s.logger.Debug("ignored stale or malformed update", "action", a.Type())
		}
	}
	return changed
}

// Subscribe returns a channel that receives a value after state changes.
// Notifications are coalesced; read State() after each one.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe stops notifications on ch and closes it.
func (s *Store) Unsubscribe(sub <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		if ch == sub {
			delete(s.subs, ch)
			close(ch)
			return
		}
	}
}
