package server

import (
	"context"
	"log/slog"
	"sync"

	"flowchat/db"
	"flowchat/models"
	"flowchat/presence"
	"flowchat/protocol"
)

// MessageStore is the part of the store the hub writes through.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, receiverID string, content models.Content, status models.Status) (*models.Message, error)
	BulkSetRead(ctx context.Context, senderID, receiverID string) (int64, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Hub owns the live side of the server: the set of open connections, the presence
// registry, and the rules that turn store changes into pushes. Every push is
// best effort and at most once; nothing is queued for offline users.
type Hub struct {
	registry *presence.Registry
	messages MessageStore
	log      *slog.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	conns map[string]presence.Handle

	// presenceMu orders registry changes with the online list they broadcast.
	presenceMu sync.Mutex
}

func NewHub(registry *presence.Registry, messages MessageStore, log *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		registry: registry,
		messages: messages,
		log:      log,
		metrics:  metrics,
		conns:    make(map[string]presence.Handle),
	}
}

func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Connections returns every open connection, identified or not.
func (h *Hub) Connections() []presence.Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]presence.Handle, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// push queues ev on one connection without blocking.
func (h *Hub) push(target presence.Handle, ev protocol.Event) bool {
	if target.Push(ev) {
		h.metrics.pushed(ev.Type)
		return true
	}
	h.metrics.dropped(ev.Type, dropQueueFull)
	h.log.Debug("Dropped event for slow connection", "conn", target.ID(), "type", ev.Type)
	return false
}

// sendTo pushes ev to the connection registered for userID, if there is one.
func (h *Hub) sendTo(userID string, ev protocol.Event) bool {
	target, ok := h.registry.Lookup(userID)
	if !ok {
		h.metrics.dropped(ev.Type, dropOffline)
		return false
	}
	return h.push(target, ev)
}

// broadcast pushes ev to every open connection except the one with id except.
func (h *Hub) broadcast(ev protocol.Event, except string) int {
	delivered := 0
	for _, c := range h.Connections() {
		if c.ID() == except {
			continue
		}
		if h.push(c, ev) {
			delivered++
		}
	}
	return delivered
}

// logStoreError logs a failed store call, at Warn when the failure is contention
// that a retry may clear.
func logStoreError(log *slog.Logger, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if db.IsTransient(err) {
		log.Warn(msg, args...)
		return
	}
	log.Error(msg, args...)
}
