// Package typing keeps, per conversation, which remote user is typing.
//
// An indicator expires on its own after a fixed window unless a newer
// SetTyping or a ClearTyping for the same conversation arrives first.
//
// The tracker shares its owner's lock: every method must be called with
// the Locker passed to New held. Expiry timers acquire that Locker
// themselves before touching state.
package typing

import (
	"sync"
	"time"

	"msim/models"
)

// DefaultWindow is how long an indicator survives without a fresh signal.
const DefaultWindow = 5 * time.Second

// ExpireFunc is called, without the lock held, after an indicator timed out.
type ExpireFunc func(conversationID, userID string)

type entry struct {
	typing models.Typing
	gen    uint64
	timer  *time.Timer
}

type Tracker struct {
	window   time.Duration
	locker   sync.Locker
	onExpire ExpireFunc
	now      func() time.Time

	entries map[string]*entry
	gen     uint64
}

type Option func(*Tracker)

// WithClock overrides the timestamp source for indicators.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithExpire registers a hook fired after an indicator auto-clears.
func WithExpire(fn ExpireFunc) Option {
	return func(t *Tracker) { t.onExpire = fn }
}

func New(window time.Duration, locker sync.Locker, opts ...Option) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Tracker{
		window:  window,
		locker:  locker,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Window() time.Duration {
	return t.window
}

// SetTyping overwrites the indicator for conversationID and re-arms its expiry.
func (t *Tracker) SetTyping(conversationID, userID string) models.Typing {
	if prev, ok := t.entries[conversationID]; ok {
		prev.timer.Stop()
	}

	t.gen++
	gen := t.gen
	e := &entry{
		typing: models.Typing{UserID: userID, Timestamp: t.now()},
		gen:    gen,
	}
	e.timer = time.AfterFunc(t.window, func() { t.expire(conversationID, gen) })
	t.entries[conversationID] = e
	return e.typing
}

// ClearTyping removes the indicator only when userID is the current typer.
func (t *Tracker) ClearTyping(conversationID, userID string) bool {
	e, ok := t.entries[conversationID]
	if !ok || e.typing.UserID != userID {
		return false
	}
	e.timer.Stop()
	delete(t.entries, conversationID)
	return true
}

func (t *Tracker) Current(conversationID string) *models.Typing {
	e, ok := t.entries[conversationID]
	if !ok {
		return nil
	}
	typing := e.typing
	return &typing
}

// Reset drops every indicator and cancels pending expiries.
func (t *Tracker) Reset() {
	for _, e := range t.entries {
		e.timer.Stop()
	}
	t.entries = make(map[string]*entry)
}

func (t *Tracker) expire(conversationID string, gen uint64) {
	t.locker.Lock()
	e, ok := t.entries[conversationID]
	if !ok || e.gen != gen {
		// superseded or cleared while the timer was in flight
		t.locker.Unlock()
		return
	}
	delete(t.entries, conversationID)
	userID := e.typing.UserID
	t.locker.Unlock()

	if t.onExpire != nil {
		t.onExpire(conversationID, userID)
	}
}
