package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aristath/taskforge/internal/events"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 256
)

// hub streams bus events to WebSocket clients. Each client has its own bus
// subscription, so a slow client loses events instead of stalling the bus.
type hub struct {
	bus      *events.EventBus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	done    chan struct{}
	once    sync.Once
}

func newHub(bus *events.EventBus, logger *slog.Logger) *hub {
	return &hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "ws"),
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) serve(c *gin.Context) {
	// Subscribe before the handshake completes: a client resyncs as soon as
	// it sees the upgrade response, and nothing published after that may be
	// missing from its stream.
	sub := h.bus.SubscribeAll(clientBuffer)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.bus.Unsubscribe(sub)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		h.bus.Unsubscribe(sub)
		conn.Close()
		return
	default:
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("client connected", "remote", conn.RemoteAddr().String())
	defer func() {
		h.bus.Unsubscribe(sub)
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug("client disconnected", "remote", conn.RemoteAddr().String())
	}()

	// Clients only listen; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("dropping client after failed write", "remote", conn.RemoteAddr().String(), "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Warn("dropping client after failed ping", "remote", conn.RemoteAddr().String(), "error", err)
				return
			}
		case <-gone:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (h *hub) close() {
	h.once.Do(func() {
		h.mu.Lock()
		close(h.done)
		h.mu.Unlock()
	})
}
