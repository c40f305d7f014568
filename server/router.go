package server

import (
	"encoding/json"

	"flowchat/presence"
	"flowchat/protocol"
)

// Typing tells receiverID that senderID started typing. Dropped if the receiver is offline.
func (h *Hub) Typing(senderID, receiverID string) {
	h.relayTyping(protocol.EventTyping, senderID, receiverID)
}

// StopTyping tells receiverID that senderID stopped typing.
func (h *Hub) StopTyping(senderID, receiverID string) {
	h.relayTyping(protocol.EventStopTyping, senderID, receiverID)
}

func (h *Hub) relayTyping(eventType, senderID, receiverID string) {
	ev, err := protocol.NewEvent(eventType, protocol.TypingSignal{SenderID: senderID})
	if err != nil {
		h.log.Error("Failed to encode typing signal", "type", eventType, "error", err)
		return
	}
	h.sendTo(receiverID, ev)
}

// BroadcastProfileUpdate sends an edited user record to every connection except the
// one it came from.
func (h *Hub) BroadcastProfileUpdate(origin presence.Handle, record json.RawMessage) {
	ev, err := protocol.NewEvent(protocol.EventUserProfileUpdated, record)
	if err != nil {
		h.log.Error("Failed to encode profile update", "error", err)
		return
	}

	except := ""
	if origin != nil {
		except = origin.ID()
	}
	n := h.broadcast(ev, except)
	h.log.Debug("Profile update broadcast", "recipients", n)
}

// NotifyMessageDeleted tells the receiver (if online) and the requester's own
// connection that a message is gone. The two pushes are independent.
func (h *Hub) NotifyMessageDeleted(messageID, receiverID string, requester presence.Handle) {
	ev, err := protocol.NewEvent(protocol.EventMessageDeleted, protocol.DeletedSignal{MessageID: messageID})
	if err != nil {
		h.log.Error("Failed to encode delete signal", "error", err)
		return
	}

	h.sendTo(receiverID, ev)
	if requester != nil {
		h.push(requester, ev)
	}
}
