// Package ws streams session events to the local host UI over WebSocket. The
// biometric payloads themselves never leave the device; only progress and
// outcome events cross this socket.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"facelock/internal/event"
)

// EventHub manages WebSocket connections for real-time session events. Each
// connection carries its own write lock; broadcasts and keepalive pings must
// never write concurrently.
type EventHub struct {
	clients map[*websocket.Conn]*sync.Mutex
	mu      sync.RWMutex
}

// NewEventHub creates a new event hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

// Register adds a connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
	log.Printf("[WS] Client registered (total: %d)", len(h.clients))
}

// Unregister removes a connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		log.Printf("[WS] Client unregistered (remaining: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every connected client.
func (h *EventHub) Broadcast(e *event.Event) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	type client struct {
		conn    *websocket.Conn
		writeMu *sync.Mutex
	}
	clients := make([]client, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		clients = append(clients, client{conn, writeMu})
	}
	h.mu.RUnlock()

	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[WS] Error marshaling event: %v", err)
		return
	}

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(c.conn)
			c.conn.Close()
		}
	}
}

// Ping sends a keepalive ping on one connection, serialized with broadcasts.
func (h *EventHub) Ping(conn *websocket.Conn) error {
	h.mu.RLock()
	writeMu, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return websocket.ErrCloseSent
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// Attach subscribes the hub to the bus. Returns the unsubscribe function.
func (h *EventHub) Attach(bus *event.Bus) func() {
	return bus.Subscribe(h.Broadcast)
}
