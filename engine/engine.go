// Package engine is the messaging state engine: it owns the ledger, the
// conversation directory and the presence and typing trackers, applies
// local operations and inbound transport events to them, and tells
// observers what changed.
//
// All state sits behind a single lock. Transport emits, blob uploads,
// history fetches, persistence and observer callbacks all happen with the
// lock released.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"msim/blob"
	"msim/directory"
	"msim/identity"
	"msim/ledger"
	"msim/metrics"
	"msim/models"
	"msim/presence"
	"msim/transport"
	"msim/typing"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrClosed         = errors.New("engine closed")
)

// DefaultImageCaption is the content of an image message sent without a caption.
const DefaultImageCaption = "Sent an image"

// DefaultTypingThrottle spaces outbound typing signals per conversation.
const DefaultTypingThrottle = 3 * time.Second

// UnknownPeerPolicy decides what happens to an inbound message from a user
// no conversation exists for.
type UnknownPeerPolicy int

const (
	// UnknownPeerDrop discards the message.
	UnknownPeerDrop UnknownPeerPolicy = iota
	// UnknownPeerCreate opens a conversation with the sender, without
	// selecting it.
	UnknownPeerCreate
)

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithBlobStore(s blob.Store) Option {
	return func(e *Engine) { e.blobs = s }
}

func WithTypingWindow(d time.Duration) Option {
	return func(e *Engine) { e.typingWindow = d }
}

// WithTypingThrottle sets the minimum gap between two outbound typing
// signals for the same conversation.
func WithTypingThrottle(d time.Duration) Option {
	return func(e *Engine) { e.typingThrottle = d }
}

func WithUnknownPeerPolicy(p UnknownPeerPolicy) Option {
	return func(e *Engine) { e.unknownPeer = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how message ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

type Engine struct {
	channel  transport.Channel
	identity identity.Source

	log            logrus.FieldLogger
	metrics        *metrics.Engine
	store          Store
	blobs          blob.Store
	typingWindow   time.Duration
	typingThrottle time.Duration
	unknownPeer    UnknownPeerPolicy
	now            func() time.Time
	newID          func() string

	mu        sync.Mutex
	self      models.User
	connected bool
	closed    bool
	ledger    *ledger.Ledger
	dir       *directory.Directory
	presence  *presence.Tracker
	typing    *typing.Tracker
	limiters  map[string]*rate.Limiter

	changes   *fifo[Change]
	writes    *fifo[persistOp]
	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an engine around a transport channel and an identity source.
// Nothing happens on the channel until Connect.
func New(channel transport.Channel, source identity.Source, opts ...Option) *Engine {
	e := &Engine{
		channel:        channel,
		identity:       source,
		log:            logrus.StandardLogger(),
		blobs:          blob.DataURLStore{},
		typingWindow:   typing.DefaultWindow,
		typingThrottle: DefaultTypingThrottle,
		now:            time.Now,
		newID:          uuid.NewString,
		limiters:       make(map[string]*rate.Limiter),
		changes:        newFifo[Change](),
		writes:         newFifo[persistOp](),
		observers:      make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngine(nil)
	}

	e.dir = directory.New(ledgerSource{e}, directory.WithClock(e.now))
	e.ledger = ledger.New(ledger.RegistryFunc(func(id string) bool { return e.dir.Has(id) }))
	e.presence = presence.New()
	e.typing = typing.New(e.typingWindow, &e.mu,
		typing.WithClock(e.now),
		typing.WithExpire(e.typingExpired))

	e.wg.Add(2)
	go e.notifyWorker()
	go e.persistWorker()
	return e
}

// ledgerSource defers to the ledger, which is built after the directory.
type ledgerSource struct{ e *Engine }

func (s ledgerSource) Last(conversationID string) *models.Message {
	return s.e.ledger.Last(conversationID)
}

// Connect resolves the local identity, loads the cached directory and then
// connects the channel, so events delivered during the handshake resolve
// against stored conversations. Presence and typing state start empty.
func (e *Engine) Connect(ctx context.Context) error {
	cred, err := e.identity.Credential(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	if e.self.ID != cred.UserID {
		e.ledger.Reset()
		e.dir.Reset()
		e.self = models.User{ID: cred.UserID, Username: cred.UserID}
		e.dir.SetSelf(e.self)
	}
	e.presence.Reset()
	e.typing.Reset()
	e.mu.Unlock()

	if _, err := e.LoadConversations(ctx); err != nil {
		return err
	}

	e.channel.OnEvent(e.handle)
	if err := e.channel.Connect(ctx, cred); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "Connect",
			"user":     cred.UserID,
			"error":    err.Error(),
		}).Warn("Transport connect failed")
		return err
	}

	e.mu.Lock()
	e.connected = true
	e.notify(Change{Kind: ChangeConnection, UserID: cred.UserID, Online: true})
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function": "Connect",
		"user":     cred.UserID,
	}).Info("Engine connected")
	return nil
}

// Disconnect closes the channel and forgets presence and typing state.
// Conversations and messages are kept.
func (e *Engine) Disconnect() error {
	err := e.channel.Disconnect()

	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.presence.Reset()
	e.typing.Reset()
	e.limiters = make(map[string]*rate.Limiter)
	e.metrics.OnlineUsers.Set(0)
	if wasConnected {
		e.notify(Change{Kind: ChangeConnection, UserID: e.self.ID, Online: false})
	}
	e.mu.Unlock()
	return err
}

// Close disconnects and stops the background workers after they flushed
// everything queued so far.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		connected := e.connected
		e.closed = true
		e.mu.Unlock()
		if connected {
			err = e.Disconnect()
		}
		e.mu.Lock()
		e.typing.Reset()
		e.mu.Unlock()
		e.changes.close()
		e.writes.close()
		e.wg.Wait()
	})
	return err
}

// LoadConversations adds the store's conversations to the directory and
// returns how many were new. Without a store it does nothing.
func (e *Engine) LoadConversations(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()

	convs, err := e.store.Conversations(ctx, self)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	added := 0
	for _, c := range convs {
		if !e.dir.Add(c) {
			continue
		}
		e.ledger.Ensure(c.ID)
		added++
		e.notify(Change{Kind: ChangeConversation, ConversationID: c.ID})
	}
	e.metrics.Conversations.Set(float64(e.dir.Len()))
	return added, nil
}

// Subscribe registers fn for every subsequent change. Calls come from one
// goroutine, in mutation order, without the engine lock held.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// notify queues a change. Call with e.mu held.
func (e *Engine) notify(c Change) {
	e.changes.push(c)
}

func (e *Engine) notifyWorker() {
	defer e.wg.Done()
	e.changes.drain(func(c Change) {
		e.obsMu.Lock()
		fns := make([]func(Change), 0, len(e.observers))
		for _, fn := range e.observers {
			fns = append(fns, fn)
		}
		e.obsMu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	})
}

func (e *Engine) typingExpired(conversationID, userID string) {
	e.changes.push(Change{Kind: ChangeTyping, ConversationID: conversationID, UserID: userID})
}

// emit sends ev and reports a failure without undoing local state.
func (e *Engine) emit(ctx context.Context, ev transport.Event) {
	err := e.channel.Emit(ctx, ev)
	if err == nil {
		return
	}
	e.metrics.TransportErrors.WithLabelValues(string(ev.Kind)).Inc()
	e.log.WithFields(logrus.Fields{
		"function": "emit",
		"kind":     ev.Kind,
		"to":       ev.Recipient(),
		"error":    err.Error(),
	}).Warn("Failed to emit event")
	e.changes.push(Change{Kind: ChangeTransportError, EventKind: ev.Kind, Err: err})
}

// Read views. Every value returned is a copy.

func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.ID
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Conversations lists the directory with presence and typing projected
// onto each entry.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.dir.List()
	for i := range list {
		e.project(&list[i])
	}
	return list
}

func (e *Engine) Conversation(conversationID string) (*models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.dir.Get(conversationID)
	if !ok {
		return nil, false
	}
	e.project(c)
	return c, true
}

// ConversationWith returns the conversation whose counterpart is userID.
func (e *Engine) ConversationWith(userID string) (*models.Conversation, bool) {
	e.mu.Lock()
	id, ok := e.dir.FindByParticipant(userID)
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.Conversation(id)
}

func (e *Engine) project(c *models.Conversation) {
	for i := range c.Participants {
		c.Participants[i].IsOnline = e.presence.IsOnline(c.Participants[i].ID)
	}
	c.IsTyping = e.typing.Current(c.ID)
}

func (e *Engine) Messages(conversationID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Messages(conversationID)
}

// Message returns a message by id along with its conversation.
func (e *Engine) Message(messageID string) (*models.Message, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Find(messageID)
}

func (e *Engine) IsOnline(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence.IsOnline(userID)
}

func (e *Engine) Online() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence.Online()
}

func (e *Engine) Typing(conversationID string) *models.Typing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing.Current(conversationID)
}

func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.Active()
}
