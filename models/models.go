package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingID      = errors.New("message id required")
	ErrMissingParties = errors.New("message sender and receiver required")
	ErrEmptyPayload   = errors.New("message needs content or an image")
	ErrInvalidStatus  = errors.New("invalid message status")
)

type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Avatar   string    `json:"avatar,omitempty"`
	IsOnline bool      `json:"isOnline,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Status is the sender's knowledge of how far a message got.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown statuses rank 0.
func (s Status) Rank() int {
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

// After reports whether s is strictly later than other.
func (s Status) After(other Status) bool {
	return s.Rank() > other.Rank()
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

type Reaction struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
}

type Message struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Content    string     `json:"content"`
	ImageURL   string     `json:"imageUrl,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     Status     `json:"status,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
}

// Validate checks the invariants every message must hold before it enters a ledger.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return ErrMissingParties
	}
	if m.Content == "" && m.ImageURL == "" {
		return ErrEmptyPayload
	}
	return nil
}

// Counterpart returns the participant that is not selfID.
func (m *Message) Counterpart(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

func (m *Message) HasReaction(userID, reactionType string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Type == reactionType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers outside the engine lock.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		copy(c.Reactions, m.Reactions)
	}
	return &c
}

type Typing struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]User   `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	IsTyping     *Typing   `json:"isTyping,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0].ID == userID || c.Participants[1].ID == userID
}

// Counterpart returns the participant that is not selfID.
func (c *Conversation) Counterpart(selfID string) User {
	if c.Participants[0].ID == selfID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.LastMessage = c.LastMessage.Clone()
	if c.IsTyping != nil {
		t := *c.IsTyping
		cp.IsTyping = &t
	}
	return &cp
}
