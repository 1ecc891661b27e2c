package server

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one websocket connection as seen by message handlers.
type Session struct {
	ID string

	hub    *Hub
	client *Client

	mu     sync.Mutex
	userID string
}

func newSession(hub *Hub, client *Client) *Session {
	return &Session{ID: uuid.NewString(), hub: hub, client: client}
}

// UserID returns the bound user, or "" before auth.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Bind attaches the connection to a user. A session binds once; binding
// another user fails.
func (s *Session) Bind(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" && s.userID != userID {
		return false
	}
	s.userID = userID
	s.hub.Register(userID, s.client)
	return true
}

// Release detaches the session from the hub. It reports whether this session
// was still the user's live connection.
func (s *Session) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return false
	}
	return s.hub.Unregister(s.userID, s.client)
}

// Reply sends msg on this connection regardless of binding.
func (s *Session) Reply(msg []byte) bool {
	return s.client.enqueue(msg)
}
