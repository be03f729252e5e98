package engine

import (
	"msim/models"
	"msim/transport"
)

type ChangeKind string

const (
	ChangeConversation   ChangeKind = "conversation"
	ChangeMessage        ChangeKind = "message"
	ChangeStatus         ChangeKind = "status"
	ChangeReaction       ChangeKind = "reaction"
	ChangePresence       ChangeKind = "presence"
	ChangeTyping         ChangeKind = "typing"
	ChangeActive         ChangeKind = "active"
	ChangeHistory        ChangeKind = "history"
	ChangeTransportError ChangeKind = "transport_error"
	ChangeConnection     ChangeKind = "connection"
)

// Change tells observers what moved. Only the fields relevant to Kind are
// set; observers read current state back through the engine's views.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	UserID         string
	Message        *models.Message
	Status         models.Status
	Online         bool
	// Typing is nil when an indicator went away.
	Typing    *models.Typing
	EventKind transport.Kind
	Err       error
}
