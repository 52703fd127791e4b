package realtime

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub manages WebSocket clients and broadcasts saga and breaker events to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	register    chan *websocket.Conn
	unregister  chan *websocket.Conn
	broadcast   chan []byte
	done        chan struct{}
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
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

// Run processes register/unregister/broadcast events until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for every connected client. Messages are dropped when the queue is full.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("realtime queue full, dropping message", zap.Int("bytes", len(msg)))
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
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
				}
				return
			}
		}
	}()
}
