package server

import (
	"context"
	"errors"

	"flowchat/db"
	"flowchat/models"
	"flowchat/presence"
	"flowchat/protocol"
)

// SendMessage persists a message and pushes it to both participants.
//
// The initial status is decided from presence before the insert: delivered when the
// receiver has a registered connection, sent otherwise. Targets for the pushes are
// looked up again after the insert because connections may have come or gone while
// it was in flight. The sender gets its own copy so that its other sessions, or a
// client whose HTTP response was lost, converge on what the receiver sees.
func (h *Hub) SendMessage(ctx context.Context, senderID, receiverID string, content models.Content) (*models.Message, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}

	status := models.StatusSent
	if _, online := h.registry.Lookup(receiverID); online {
		status = models.StatusDelivered
	}

	msg, err := h.messages.CreateMessage(ctx, senderID, receiverID, content, status)
	if err != nil {
		logStoreError(h.log, "Failed to persist message", err, "sender", senderID, "receiver", receiverID)
		return nil, err
	}
	h.metrics.messages.WithLabelValues(string(msg.Status)).Inc()

	ev, err := protocol.NewEvent(protocol.EventNewMessage, msg)
	if err != nil {
		h.log.Error("Failed to encode message", "id", msg.ID, "error", err)
		return msg, nil
	}

	h.sendTo(receiverID, ev)
	if senderID != receiverID {
		h.sendTo(senderID, ev)
	}
	return msg, nil
}

// MarkAsRead records that receiverID has seen everything senderID sent them and
// notifies senderID. It returns how many messages changed; a repeat call changes
// none but still notifies. On a store failure nothing is pushed and nothing retried.
func (h *Hub) MarkAsRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	n, err := h.messages.BulkSetRead(ctx, senderID, receiverID)
	if err != nil {
		logStoreError(h.log, "Read receipt failed", err, "sender", senderID, "reader", receiverID)
		return 0, err
	}
	h.metrics.markedRead.Add(float64(n))

	ev, err := protocol.NewEvent(protocol.EventMessagesRead, protocol.ReadSignal{ReaderID: receiverID})
	if err != nil {
		h.log.Error("Failed to encode read signal", "error", err)
		return n, nil
	}
	h.sendTo(senderID, ev)

	h.log.Debug("Messages marked read", "sender", senderID, "reader", receiverID, "count", n)
	return n, nil
}

// DeleteMessage hard-deletes a message and, once the store confirms, notifies the
// receiver and the requester.
func (h *Hub) DeleteMessage(ctx context.Context, messageID, receiverID string, requester presence.Handle) error {
	if err := h.messages.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.log.Warn("Delete of unknown message", "id", messageID)
		} else {
			logStoreError(h.log, "Delete message failed", err, "id", messageID)
		}
		return err
	}

	h.NotifyMessageDeleted(messageID, receiverID, requester)
	return nil
}
