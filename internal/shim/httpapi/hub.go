package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"wasmshim/internal/shim/events"
	"wasmshim/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	clientBacklog  = 32
	maxClientCount = 64
)

// Hub fans lifecycle events out to websocket subscribers. It implements the
// event sink interface; a slow subscriber is disconnected rather than allowed
// to stall delivery.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Send implements the event sink. Events fan out best-effort; the hub never
// reports a transient error because subscribers are observers, not the
// orchestrator channel.
func (h *Hub) Send(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
	return nil
}

// Serve upgrades the request and streams events until the peer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan events.Event, clientBacklog)}
	h.mu.Lock()
	if len(h.clients) >= maxClientCount {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.readLoop(h)
	client.writeLoop(h)
}

func (c *wsClient) readLoop(h *Hub) {
	// Drains control frames and detects disconnect.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (c *wsClient) writeLoop(h *Hub) {
	defer func() {
		_ = c.conn.Close()
	}()
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}
