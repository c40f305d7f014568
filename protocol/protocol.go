package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidEvent = errors.New("invalid event format")
)

// Event names carried in the envelope's type field.
const (
	EventOnlineUsers        = "getOnlineUsers"
	EventTyping             = "typing"
	EventStopTyping         = "stopTyping"
	EventMarkAsRead         = "markAsRead"
	EventMessagesRead       = "messagesRead"
	EventUpdateProfile      = "updateProfile"
	EventUserProfileUpdated = "userProfileUpdated"
	EventDeleteMessage      = "deleteMessage"
	EventMessageDeleted     = "messageDeleted"
	EventNewMessage         = "newMessage"
)

// Event is a single frame on the live channel: {"type": ..., "data": ...}.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingPayload is the inbound body of typing and stopTyping.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// TypingSignal is what the receiver of a typing indicator sees.
type TypingSignal struct {
	SenderID string `json:"senderId"`
}

// ReadPayload means "ReceiverID has now viewed everything SenderID sent them".
type ReadPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type ReadSignal struct {
	ReaderID string `json:"readerId"`
}

type DeletePayload struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

type DeletedSignal struct {
	MessageID string `json:"messageId"`
}

// ProfileClaim is the part of an updateProfile record used to check who it belongs to.
type ProfileClaim struct {
	ID string `json:"_id"`
}

// NewEvent builds an event whose data is payload encoded as JSON.
// A payload that is already a json.RawMessage is used as is.
func NewEvent(eventType string, payload any) (Event, error) {
	if eventType == "" {
		return Event{}, ErrInvalidEvent
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Type: eventType, Data: raw}, nil
	}
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// ParseEvent decodes a single frame.
func ParseEvent(frame []byte) (*Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, ErrInvalidEvent
	}

	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return nil, ErrInvalidEvent
	}
	return &ev, nil
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEvent, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type, err)
	}
	return nil
}
