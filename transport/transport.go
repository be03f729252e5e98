// Package transport defines the bidirectional event channel the messaging
// engine talks through, and the event shapes that cross it.
//
// Implementations live in sub-packages: line (TCP relay protocol), natsbus
// (NATS subjects), wsock (WebSocket), memory (in-process hub) and simpeer
// (a simulated remote peer for demos and tests).
package transport

import (
	"context"
	"errors"
	"time"

	"msim/identity"
	"msim/models"
)

// ErrTransportUnavailable is returned by Emit while the channel is not connected.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrUnknownEvent is returned for an event whose kind or payload is missing.
var ErrUnknownEvent = errors.New("unknown event")

type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
	KindTyping   Kind = "typing"
	KindReaction Kind = "reaction"
	KindReceipt  Kind = "receipt"
)

type Presence struct {
	UserID string    `json:"userId"`
	Online bool      `json:"isOnline"`
	At     time.Time `json:"at,omitempty"`
}

// Typing carries the typer and the conversation id as the typer knows it.
// PeerID names the recipient of the signal.
type Typing struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	PeerID         string `json:"peerId,omitempty"`
}

type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
	PeerID    string `json:"peerId,omitempty"`
}

// Receipt acknowledges delivery or reading of MessageID by UserID. PeerID is
// the original sender, who is the one interested in the receipt.
type Receipt struct {
	MessageID string        `json:"messageId"`
	Status    models.Status `json:"status"`
	UserID    string        `json:"userId"`
	PeerID    string        `json:"peerId,omitempty"`
}

// Event is a tagged union; exactly the payload matching Kind is set.
type Event struct {
	Kind     Kind            `json:"type"`
	Message  *models.Message `json:"message,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	Typing   *Typing         `json:"typing,omitempty"`
	Reaction *Reaction       `json:"reaction,omitempty"`
	Receipt  *Receipt        `json:"receipt,omitempty"`
}

func MessageEvent(m *models.Message) Event { return Event{Kind: KindMessage, Message: m} }
func PresenceEvent(p Presence) Event { return Event{Kind: KindPresence, Presence: &p} }
func TypingEvent(t Typing) Event { return Event{Kind: KindTyping, Typing: &t} }
func ReactionEvent(r Reaction) Event { return Event{Kind: KindReaction, Reaction: &r} }
func ReceiptEvent(r Receipt) Event { return Event{Kind: KindReceipt, Receipt: &r} }

// Validate checks that the payload for Kind is present.
func (e Event) Validate() error {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return nil
		}
	case KindPresence:
		if e.Presence != nil && e.Presence.UserID != "" {
			return nil
		}
	case KindTyping:
		if e.Typing != nil && e.Typing.UserID != "" {
			return nil
		}
	case KindReaction:
		if e.Reaction != nil && e.Reaction.MessageID != "" {
			return nil
		}
	case KindReceipt:
		if e.Receipt != nil && e.Receipt.MessageID != "" && e.Receipt.Status.Valid() {
			return nil
		}
	}
	return ErrUnknownEvent
}

// Recipient returns the user an outbound event is addressed to. Presence
// events have no single recipient.
func (e Event) Recipient() string {
	switch e.Kind {
	case KindMessage:
		return e.Message.ReceiverID
	case KindTyping:
		return e.Typing.PeerID
	case KindReaction:
		return e.Reaction.PeerID
	case KindReceipt:
		return e.Receipt.PeerID
	}
	return ""
}

// Author returns the user an event originates from.
func (e Event) Author() string {
	switch e.Kind {
	case KindMessage:
		return e.Message.SenderID
	case KindPresence:
		return e.Presence.UserID
	case KindTyping:
		return e.Typing.UserID
	case KindReaction:
		return e.Reaction.UserID
	case KindReceipt:
		return e.Receipt.UserID
	}
	return ""
}

// Handler receives inbound events. Per event kind, calls from a single
// peer arrive in the order the peer sent them.
type Handler func(Event)

type Channel interface {
	Connect(ctx context.Context, cred identity.Credential) error
	Disconnect() error
	Emit(ctx context.Context, ev Event) error
	OnEvent(h Handler)
}
