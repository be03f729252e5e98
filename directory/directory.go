// Package directory keeps the set of conversations and their summary state.
//
// LastMessage and UnreadCount are derived: they only change through
// UpsertFromMessage, Refresh and SetActive, never by direct assignment from
// outside. Directory is not goroutine-safe; the engine serializes access.
package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"msim/ledger"
	"msim/models"
)

var (
	// ErrNoMatchingConversation means no conversation has the message's counterpart.
	ErrNoMatchingConversation = errors.New("no matching conversation")
	// ErrUnknownConversation is the ledger's error, shared so callers test one value.
	ErrUnknownConversation = ledger.ErrUnknownConversation
	ErrInvalidParticipant  = errors.New("invalid participant")
)

// LastMessager supplies the most recently appended message of a conversation.
type LastMessager interface {
	Last(conversationID string) *models.Message
}

type Directory struct {
	self   models.User
	source LastMessager
	now    func() time.Time
	newID  func() string

	convs  map[string]*models.Conversation
	order  []string
	active string
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithIDGenerator overrides how new conversation ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(d *Directory) { d.newID = fn }
}

func New(source LastMessager, opts ...Option) *Directory {
	d := &Directory{
		source: source,
		now:    time.Now,
		newID:  func() string { return "conv-" + uuid.NewString() },
		convs:  make(map[string]*models.Conversation),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetSelf records the local user that appears in every conversation.
func (d *Directory) SetSelf(self models.User) {
	d.self = self
}

func (d *Directory) Self() models.User {
	return d.self
}

// Add inserts a fetched conversation at the end of the list. Conversations
// whose id or counterpart is already known are skipped.
func (d *Directory) Add(conv models.Conversation) bool {
	if conv.ID == "" {
		return false
	}
	if _, ok := d.convs[conv.ID]; ok {
		return false
	}
	peer := conv.Counterpart(d.self.ID)
	if _, ok := d.FindByParticipant(peer.ID); ok {
		return false
	}
	c := conv.Clone()
	c.IsTyping = nil
	if c.CreatedAt.IsZero() {
		c.CreatedAt = d.now()
	}
	d.convs[c.ID] = c
	d.order = append(d.order, c.ID)
	return true
}

// CreateOrReuse returns the conversation with participant, creating and
// prepending a new one if needed. Either way it becomes the active one.
func (d *Directory) CreateOrReuse(participant models.User) (*models.Conversation, bool, error) {
	conv, created, err := d.Open(participant)
	if err != nil {
		return nil, false, err
	}
	if err := d.SetActive(conv.ID); err != nil {
		return nil, false, err
	}
	return d.convs[conv.ID].Clone(), created, nil
}

// Open is CreateOrReuse without touching the selection.
func (d *Directory) Open(participant models.User) (*models.Conversation, bool, error) {
	if participant.ID == "" || participant.ID == d.self.ID {
		return nil, false, ErrInvalidParticipant
	}

	if id, ok := d.FindByParticipant(participant.ID); ok {
		return d.convs[id].Clone(), false, nil
	}

	conv := &models.Conversation{
		ID:           d.newID(),
		Participants: [2]models.User{d.self, participant},
		UnreadCount:  0,
		CreatedAt:    d.now(),
	}
	d.convs[conv.ID] = conv
	d.order = append([]string{conv.ID}, d.order...)
	return conv.Clone(), true, nil
}

// FindByParticipant returns the conversation id whose counterpart is userID.
func (d *Directory) FindByParticipant(userID string) (string, bool) {
	for _, id := range d.order {
		c := d.convs[id]
		if c.Counterpart(d.self.ID).ID == userID {
			return id, true
		}
	}
	return "", false
}

// Resolve maps a message to its conversation via the counterpart participant.
func (d *Directory) Resolve(msg *models.Message) (string, error) {
	if id, ok := d.FindByParticipant(msg.Counterpart(d.self.ID)); ok {
		return id, nil
	}
	return "", ErrNoMatchingConversation
}

// UpsertFromMessage is the single update path after a ledger append: it
// recomputes LastMessage and counts the message as unread when it is
// inbound and its conversation is not in view.
func (d *Directory) UpsertFromMessage(msg *models.Message) (*models.Conversation, error) {
	id, err := d.Resolve(msg)
	if err != nil {
		return nil, err
	}
	c := d.convs[id]
	c.LastMessage = d.source.Last(id)
	if msg.SenderID != d.self.ID && id != d.active {
		c.UnreadCount++
	}
	return c.Clone(), nil
}

// Refresh recomputes derived fields after the ledger changed without an append.
func (d *Directory) Refresh(conversationID string) error {
	c, ok := d.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	c.LastMessage = d.source.Last(conversationID)
	return nil
}

// SetActive selects the conversation in view and zeroes its unread count.
// An empty id clears the selection.
func (d *Directory) SetActive(conversationID string) error {
	if conversationID == "" {
		d.active = ""
		return nil
	}
	c, ok := d.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	d.active = conversationID
	c.UnreadCount = 0
	return nil
}

func (d *Directory) Active() string {
	return d.active
}

func (d *Directory) Has(conversationID string) bool {
	_, ok := d.convs[conversationID]
	return ok
}

func (d *Directory) Get(conversationID string) (*models.Conversation, bool) {
	c, ok := d.convs[conversationID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies in directory order, newest-created first for
// conversations created locally.
func (d *Directory) List() []models.Conversation {
	out := make([]models.Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.convs[id].Clone())
	}
	return out
}

func (d *Directory) Len() int {
	return len(d.order)
}

func (d *Directory) Reset() {
	d.convs = make(map[string]*models.Conversation)
	d.order = nil
	d.active = ""
}
