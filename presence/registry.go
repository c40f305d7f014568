// Package presence tracks which user identities currently hold a live connection.
//
// The registry is optimistic: an entry means a connection was registered and has not
// been released yet, not that the transport underneath is still reachable.
package presence

import (
	"sort"
	"sync"

	"flowchat/protocol"
)

// Undefined is the identity a client sends when it has none.
const Undefined = "undefined"

// Handle pushes events to exactly one live connection.
// Push never blocks and reports whether the event was queued.
type Handle interface {
	ID() string
	Push(ev protocol.Event) bool
}

// ValidIdentity reports whether userID may be used as a registry key.
func ValidIdentity(userID string) bool {
	return userID != "" && userID != Undefined
}

// Registry maps a user identity to the handle of its most recent connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Handle)}
}

// Register inserts or overwrites the entry for userID. The last connection wins;
// the handle it replaces is left open but no longer receives targeted pushes.
// Invalid identities are ignored.
func (r *Registry) Register(userID string, h Handle) {
	if !ValidIdentity(userID) || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = h
}

// Unregister removes the entry for userID if present.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
}

// Release removes the entry for userID only while it still points at h.
func (r *Registry) Release(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || h == nil || cur.ID() != h.ID() {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[userID]
	return h, ok
}

// Snapshot returns the online user ids in ascending order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
