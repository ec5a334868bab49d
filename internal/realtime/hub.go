package realtime

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub manages WebSocket clients and broadcasts booking event payloads to
// them. Slow or broken connections are dropped rather than back-pressuring
// the orchestrator.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	register    chan *websocket.Conn
	unregister  chan *websocket.Conn
	broadcast   chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub constructs a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, 64),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes register/unregister/broadcast events until Close.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the hub is saturated or closed; the event stream is
// best-effort notification, not a ledger.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("dropping broadcast, hub saturated")
	}
}

// Close shuts down the hub and disconnects all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades the request and registers the connection. The read loop
// only drains control frames; clients are listen-only.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
					conn.Close()
				}
				return
			}
		}
	}()
}
