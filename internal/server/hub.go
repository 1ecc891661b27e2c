package server

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Client is the outbound side of one connection.
type Client struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Client{
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue hands msg to the write pump without blocking.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Hub maps user IDs to their single live connection.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register binds the user to c. A previous connection of the same user is
// closed.
func (h *Hub) Register(userID string, c *Client) {
	h.mu.Lock()
	old := h.clients[userID]
	h.clients[userID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		old.Close()
		log.Info().Str("user_id", userID).Msg("Replaced existing connection")
	}
}

// Unregister removes the binding if it still points at c. It reports
// whether it did; false means a newer connection took over.
func (h *Hub) Unregister(userID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] != c {
		return false
	}
	delete(h.clients, userID)
	return true
}

// Send queues msg for the user. It returns false if the user is offline or
// the connection's queue is full.
func (h *Hub) Send(userID string, msg []byte) bool {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()

	if c == nil {
		return false
	}
	if !c.enqueue(msg) {
		log.Warn().Str("user_id", userID).Msg("Connection send queue unavailable")
		return false
	}
	return true
}

// IsOnline reports whether the user has a live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Count returns the number of bound users.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.Close()
	}
}
