// Package presence tracks which live connection currently speaks for each
// user. It holds no durable state; a restarted process starts empty.
package presence

import (
	"sync"

	"github.com/poolhall-waitlist/internal/domain"
)

// Conn is a live connection that can receive notifications
type Conn interface {
	ID() string
	// Send queues n for delivery without blocking. It returns false when the
	// connection is closed or cannot accept more messages.
	Send(n domain.Notification) bool
}

// Registry maps user ids to their current connection
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds userID to conn, replacing any earlier connection, and
// returns the replaced connection if there was one.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	if prev != nil && prev.ID() == conn.ID() {
		return nil
	}
	return prev
}

// Unregister removes every mapping that still points at conn. A user who has
// since reconnected on another connection keeps the newer mapping.
func (r *Registry) Unregister(conn Conn) (userID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if c.ID() == conn.ID() {
			delete(r.conns, id)
			userID, removed = id, true
		}
	}
	return userID, removed
}

// Lookup returns the connection registered for userID
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
