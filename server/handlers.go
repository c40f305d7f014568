package server

import (
	"errors"

	"flowchat/db"
	"flowchat/presence"
	"flowchat/protocol"
)

func (s *Server) handleEvent(c *Client, ev *protocol.Event) {
	s.metrics.received(ev.Type)

	switch ev.Type {
	case protocol.EventTyping, protocol.EventStopTyping:
		s.handleTyping(c, ev)
	case protocol.EventMarkAsRead:
		s.handleMarkAsRead(c, ev)
	case protocol.EventUpdateProfile:
		s.handleUpdateProfile(c, ev)
	case protocol.EventDeleteMessage:
		s.handleDeleteMessage(c, ev)
	default:
		c.log.Debug("Unknown event", "type", ev.Type)
		s.metrics.dropped(ev.Type, dropUnknown)
	}
}

// bound reports whether claimed is the identity c registered with. Events that
// speak for somebody else are dropped.
func (s *Server) bound(c *Client, ev *protocol.Event, claimed string) bool {
	if presence.ValidIdentity(c.userID) && claimed == c.userID {
		return true
	}
	c.log.Warn("Rejected event for foreign identity", "type", ev.Type, "user", c.userID, "claimed", claimed)
	s.metrics.dropped(ev.Type, dropRejected)
	return false
}

func (s *Server) decode(c *Client, ev *protocol.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		c.log.Warn("Malformed event payload", "type", ev.Type, "error", err)
		s.metrics.dropped(ev.Type, dropInvalid)
		return false
	}
	return true
}

func (s *Server) handleTyping(c *Client, ev *protocol.Event) {
	var p protocol.TypingPayload
	if !s.decode(c, ev, &p) || !s.bound(c, ev, p.SenderID) {
		return
	}

	if ev.Type == protocol.EventTyping {
		s.hub.Typing(p.SenderID, p.ReceiverID)
	} else {
		s.hub.StopTyping(p.SenderID, p.ReceiverID)
	}
}

// handleMarkAsRead: only the reader may acknowledge its own inbox.
func (s *Server) handleMarkAsRead(c *Client, ev *protocol.Event) {
	var p protocol.ReadPayload
	if !s.decode(c, ev, &p) || !s.bound(c, ev, p.ReceiverID) {
		return
	}
	// Failures are logged by the hub; there is no reply channel for them.
	_, _ = s.hub.MarkAsRead(c.ctx, p.SenderID, p.ReceiverID)
}

func (s *Server) handleUpdateProfile(c *Client, ev *protocol.Event) {
	var claim protocol.ProfileClaim
	if !s.decode(c, ev, &claim) || !s.bound(c, ev, claim.ID) {
		return
	}
	s.hub.BroadcastProfileUpdate(c, ev.Data)
}

// handleDeleteMessage lets either participant delete a message. The other
// participant is taken from the stored message, not from the payload.
func (s *Server) handleDeleteMessage(c *Client, ev *protocol.Event) {
	var p protocol.DeletePayload
	if !s.decode(c, ev, &p) {
		return
	}
	if !presence.ValidIdentity(c.userID) {
		s.bound(c, ev, p.ReceiverID)
		return
	}

	msg, err := s.store.GetMessage(c.ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.log.Warn("Delete of unknown message", "id", p.MessageID)
		} else {
			logStoreError(c.log, "Failed to load message for delete", err, "id", p.MessageID)
		}
		return
	}
	if !msg.Participant(c.userID) {
		s.bound(c, ev, msg.SenderID)
		return
	}

	peer := msg.Peer(c.userID)
	if p.ReceiverID != "" && p.ReceiverID != peer {
		c.log.Debug("Ignoring receiverId that is not the other participant", "id", msg.ID, "receiverId", p.ReceiverID)
	}
	_ = s.hub.DeleteMessage(c.ctx, msg.ID, peer, c)
}
