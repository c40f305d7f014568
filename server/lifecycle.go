package server

import (
	"flowchat/presence"
	"flowchat/protocol"
)

// Connect moves a freshly accepted connection to the active state. A connection with
// a usable identity is registered for presence (replacing any older connection of the
// same user); anonymous ones only join the broadcast set. Either way every open
// connection then receives the full online list.
func (h *Hub) Connect(c presence.Handle, userID string) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	open := len(h.conns)
	h.mu.Unlock()
	h.metrics.connections.Set(float64(open))

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if presence.ValidIdentity(userID) {
		h.registry.Register(userID, c)
		h.log.Info("User online", "user", userID, "conn", c.ID())
	} else {
		h.log.Debug("Anonymous connection", "conn", c.ID())
	}

	h.broadcastOnlineUsers()
}

// Disconnect terminates a connection. Its presence entry is released only while it
// still belongs to this connection, so closing a connection that was replaced by a
// newer one from the same user leaves that user online.
func (h *Hub) Disconnect(c presence.Handle, userID string) {
	h.mu.Lock()
	delete(h.conns, c.ID())
	open := len(h.conns)
	h.mu.Unlock()
	h.metrics.connections.Set(float64(open))

	if !presence.ValidIdentity(userID) {
		return
	}

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if h.registry.Release(userID, c) {
		h.log.Info("User disconnected", "user", userID, "conn", c.ID())
	} else {
		h.log.Debug("Replaced connection closed", "user", userID, "conn", c.ID())
	}
	h.broadcastOnlineUsers()
}

// broadcastOnlineUsers must be called with presenceMu held, so that the last list a
// connection receives is the current one.
func (h *Hub) broadcastOnlineUsers() {
	online := h.registry.Snapshot()
	h.metrics.onlineUsers.Set(float64(len(online)))

	ev, err := protocol.NewEvent(protocol.EventOnlineUsers, online)
	if err != nil {
		h.log.Error("Failed to encode online users", "error", err)
		return
	}
	h.broadcast(ev, "")
}
