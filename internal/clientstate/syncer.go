package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/aristath/taskforge/internal/events"
)

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL        string
	ProjectID      string
	ResyncInterval time.Duration // periodic full resync; zero disables
	MaxBackoff     time.Duration // cap on the reconnect delay
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
}

// Syncer keeps a Store in step with a server: it streams events over a
// WebSocket, resyncs from the snapshot endpoint after every (re)connect and
// periodically, and reconnects with exponential backoff when the stream drops.
type Syncer struct {
	store  *Store
	cfg    SyncerConfig
	logger *slog.Logger

	resyncMu sync.Mutex // one snapshot fetch at a time

	mu      sync.Mutex // orders stream dispatches against a snapshot dispatch
	holding bool
	held    []events.Event // streamed while a snapshot was in flight
}

// NewSyncer creates a Syncer feeding store.
func NewSyncer(store *Store, cfg SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "syncer", "project_id", cfg.ProjectID),
	}
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(policy, ctx)

	for {
		connected, err := s.session(ctx)
		s.store.Dispatch(ConnectionChanged{Connected: false})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			retry.Reset()
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		s.logger.Warn("event stream disconnected, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Resync fetches the project snapshot and replaces the mirrored state.
// Events streamed while the snapshot was in flight are applied again on top of
// it when they are newer than its sequence.
func (s *Syncer) Resync(ctx context.Context) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.mu.Lock()
	s.holding, s.held = true, nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.holding, s.held = false, nil
		s.mu.Unlock()
	}()

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/api/projects/" + url.PathEscape(s.cfg.ProjectID) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching snapshot: unexpected status %s", resp.Status)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	s.mu.Lock()
	s.store.Dispatch(FullResync{Snapshot: snap})
	replayed := 0
	for _, ev := range s.held {
		if ev.Seq() <= snap.Sequence {
			continue
		}
		if action, ok := FromEvent(ev); ok {
			s.store.Dispatch(action)
			replayed++
		}
	}
	s.mu.Unlock()

	s.logger.Debug("resynced", "sequence", snap.Sequence, "tasks", len(snap.Tasks), "agents", len(snap.Agents), "replayed", replayed)
	return nil
}

// session runs one connection. connected reports whether the stream was
// established, so the caller can reset its backoff.
func (s *Syncer) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.wsURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	// Subscribe first, then resync: events that predate the snapshot carry
	// older timestamps and are rejected by the reducer.
	if err := s.Resync(ctx); err != nil {
		return false, err
	}
	s.logger.Info("event stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	if s.cfg.ResyncInterval > 0 {
		go s.resyncLoop(sessionCtx)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.apply(data)
	}
}

func (s *Syncer) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Resync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic resync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) apply(data []byte) {
	ev, err := events.Decode(data)
	switch {
	case errors.Is(err, events.ErrUnknownEvent):
		s.logger.Debug("skipping unknown event", "error", err)
		return
	case err != nil:
		s.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if !s.forProject(ev) {
		return
	}
	action, ok := FromEvent(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holding {
		s.held = append(s.held, ev)
	}
	s.store.Dispatch(action)
}

// forProject drops events that name a different project.
func (s *Syncer) forProject(ev events.Event) bool {
	var project string
	switch e := ev.(type) {
	case events.TaskAssigned:
		project = e.ProjectID
	case events.ProgressUpdate:
		project = e.ProjectID
	}
	return project == "" || s.cfg.ProjectID == "" || project == s.cfg.ProjectID
}

func (s *Syncer) wsURL() string {
	u := strings.TrimRight(s.cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
