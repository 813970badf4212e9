package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

const writeWait = 5 * time.Second

// wsClient is one connected WebSocket and the identities it watches.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	cancel   context.CancelFunc // cancels the client's in-flight work
	mu       sync.Mutex         // serialises writes to conn
	watching map[string]bool    // guarded by Hub.mu
}

func (c *wsClient) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsWriteJSON(c.conn, v)
}

// Hub tracks connected clients and fans run output out to the clients
// watching each identity.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*wsClient),
	}
}

// Add registers a connection. cancel is called when the client is removed.
func (h *Hub) Add(conn *websocket.Conn, cancel context.CancelFunc) *wsClient {
	c := &wsClient{
		id:       uuid.New().String(),
		conn:     conn,
		cancel:   cancel,
		watching: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Watch subscribes a client to the output of identity.
func (h *Hub) Watch(clientID, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.watching[identity] = true
	}
}

// Unwatch drops a subscription.
func (h *Hub) Unwatch(clientID, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		delete(c.watching, identity)
	}
}

// watchers returns the clients watching identity.
func (h *Hub) watchers(identity string) []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*wsClient
	for _, c := range h.clients {
		if c.watching[identity] {
			out = append(out, c)
		}
	}
	return out
}

// Publisher returns the live output sink for runs of identity.
func (h *Hub) Publisher(identity string) sandbox.OutputFunc {
	return func(chunk string) {
		for _, c := range h.watchers(identity) {
			c.send(wsOutgoing{Type: "output", Identity: identity, Content: chunk})
		}
	}
}

// PublishResult tells the watchers of identity that a run finished.
func (h *Hub) PublishResult(identity string, res *sandbox.ExecutionResult) {
	for _, c := range h.watchers(identity) {
		c.send(wsOutgoing{Type: "result", Identity: identity, Result: res})
	}
}

// Remove unregisters a client and cancels any in-flight work.
func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		if c.cancel != nil {
			c.cancel()
		}
		delete(h.clients, clientID)
	}
}

// CloseAll cancels every client and closes its connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				log.Printf("closing websocket %s: %v", id, err)
			}
		}
		c.mu.Unlock()
		delete(h.clients, id)
	}
}
