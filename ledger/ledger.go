// Package ledger holds the ordered message history of every conversation.
//
// Order is arrival order, not timestamp order. Message ids are globally
// unique, so status and reaction updates locate a message across all
// conversations. Updates that reference an id the ledger has not seen are
// dropped rather than queued.
//
// Ledger is not goroutine-safe; the engine serializes access.
package ledger

import (
	"errors"

	"msim/models"
)

// ErrUnknownConversation is returned when appending to a conversation the
// registry does not know about. Callers create the conversation first.
var ErrUnknownConversation = errors.New("unknown conversation")

// Registry tells the ledger which conversations exist.
type Registry interface {
	Has(conversationID string) bool
}

// RegistryFunc adapts a function to Registry.
type RegistryFunc func(conversationID string) bool

func (f RegistryFunc) Has(conversationID string) bool { return f(conversationID) }

type location struct {
	conversationID string
	index          int
}

type Ledger struct {
	registry Registry
	convs    map[string][]*models.Message
	index    map[string]location
}

func New(registry Registry) *Ledger {
	return &Ledger{
		registry: registry,
		convs:    make(map[string][]*models.Message),
		index:    make(map[string]location),
	}
}

// Ensure creates an empty sequence for conversationID if none exists.
func (l *Ledger) Ensure(conversationID string) {
	if _, ok := l.convs[conversationID]; !ok {
		l.convs[conversationID] = nil
	}
}

// Append adds msg to the end of the conversation. It returns false without
// error when a message with the same id is already in the ledger.
func (l *Ledger) Append(conversationID string, msg *models.Message) (bool, error) {
	if !l.registry.Has(conversationID) {
		return false, ErrUnknownConversation
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if _, dup := l.index[msg.ID]; dup {
		return false, nil
	}

	stored := msg.Clone()
	l.convs[conversationID] = append(l.convs[conversationID], stored)
	l.index[stored.ID] = location{conversationID: conversationID, index: len(l.convs[conversationID]) - 1}
	return true, nil
}

// Merge places history entries the ledger does not hold yet in front of the
// live sequence. History is always older than anything that arrived live.
func (l *Ledger) Merge(conversationID string, history []models.Message) (int, error) {
	if !l.registry.Has(conversationID) {
		return 0, ErrUnknownConversation
	}

	var older []*models.Message
	seen := make(map[string]struct{}, len(history))
	for i := range history {
		m := &history[i]
		if _, dup := l.index[m.ID]; dup {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.Validate() != nil {
			continue
		}
		seen[m.ID] = struct{}{}
		older = append(older, m.Clone())
	}
	if len(older) == 0 {
		l.Ensure(conversationID)
		return 0, nil
	}

	l.convs[conversationID] = append(older, l.convs[conversationID]...)
	l.reindex(conversationID)
	return len(older), nil
}

// UpdateStatus moves a message forward along sent < delivered < read.
// Unknown ids and non-advancing statuses are no-ops.
func (l *Ledger) UpdateStatus(messageID string, status models.Status) bool {
	m := l.lookup(messageID)
	if m == nil || !status.After(m.Status) {
		return false
	}
	m.Status = status
	return true
}

// ToggleReaction flips membership of (userID, reactionType) on a message.
// It returns false when the message is unknown.
func (l *Ledger) ToggleReaction(messageID, userID, reactionType string) bool {
	m := l.lookup(messageID)
	if m == nil {
		return false
	}
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Type == reactionType {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return true
		}
	}
	m.Reactions = append(m.Reactions, models.Reaction{UserID: userID, Type: reactionType})
	return true
}

// Find returns a copy of the message and the conversation holding it.
func (l *Ledger) Find(messageID string) (*models.Message, string, bool) {
	loc, ok := l.index[messageID]
	if !ok {
		return nil, "", false
	}
	return l.convs[loc.conversationID][loc.index].Clone(), loc.conversationID, true
}

// Messages returns copies of the conversation's messages in arrival order.
func (l *Ledger) Messages(conversationID string) []models.Message {
	seq := l.convs[conversationID]
	out := make([]models.Message, 0, len(seq))
	for _, m := range seq {
		out = append(out, *m.Clone())
	}
	return out
}

// Last returns a copy of the most recently appended message, or nil.
func (l *Ledger) Last(conversationID string) *models.Message {
	seq := l.convs[conversationID]
	if len(seq) == 0 {
		return nil
	}
	return seq[len(seq)-1].Clone()
}

func (l *Ledger) Len(conversationID string) int {
	return len(l.convs[conversationID])
}

func (l *Ledger) Reset() {
	l.convs = make(map[string][]*models.Message)
	l.index = make(map[string]location)
}

func (l *Ledger) lookup(messageID string) *models.Message {
	loc, ok := l.index[messageID]
	if !ok {
		return nil
	}
	return l.convs[loc.conversationID][loc.index]
}

func (l *Ledger) reindex(conversationID string) {
	for i, m := range l.convs[conversationID] {
		l.index[m.ID] = location{conversationID: conversationID, index: i}
	}
}
