package models

import (
	"errors"
	"strings"
	"time"
)

var ErrEmptyMessage = errors.New("message needs text or an image")

// Status is the delivery state of a message. The order is sent < delivered < read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statuses = []Status{StatusSent, StatusDelivered, StatusRead}

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s Status) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s comes strictly earlier than other in the delivery order.
func (s Status) Before(other Status) bool {
	return s.Valid() && other.Valid() && s.rank() < other.rank()
}

// Predecessors lists the statuses a message may still be in before moving to s,
// earliest first. Updates to s are restricted to these so status never regresses.
func (s Status) Predecessors() []Status {
	var out []Status
	for _, p := range statuses {
		if p.Before(s) {
			out = append(out, p)
		}
	}
	return out
}

// DefaultProfilePic is used for users that never uploaded an avatar.
const DefaultProfilePic = "https://i.pravatar.cc/150?u=default"

type User struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profilepic"`
	Bio          string    `json:"bio"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserSummary is a user as seen from another user's contact list.
type UserSummary struct {
	User
	LastMessage     string     `json:"lastMessage"`
	LastMessageTime *time.Time `json:"lastMessageTime"`
	UnreadCount     int        `json:"unreadCount"`
}

// ProfileUpdate carries the optional fields of a profile edit. Nil fields are left unchanged.
type ProfileUpdate struct {
	Name       *string
	ProfilePic *string
	Bio        *string
}

// Content is what a sender submits: text, an image, or both.
type Content struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" && c.Image == "" {
		return ErrEmptyMessage
	}
	return nil
}

type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	Image      string    `json:"image,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Participant reports whether userID is the sender or the receiver of m.
func (m *Message) Participant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// Peer returns the other participant of m as seen by userID.
func (m *Message) Peer(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}
