// Package memory routes transport events between channels in one process.
//
// A Hub plays the relay: events go to the session of their recipient,
// presence goes to everybody else. Each channel delivers inbound events on
// its own goroutine, preserving the order the hub received them. Pushes never
// block: a channel whose queue is full drops the event and counts it, since
// the pusher may itself be inside another channel's handler.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"msim/identity"
	"msim/transport"
)

const queueSize = 256

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Channel
	tokens   map[string]string
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Channel)}
}

// RequireToken makes Connect for userID fail unless the credential carries
// token. Users without a registered token connect freely.
func (h *Hub) RequireToken(userID, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tokens == nil {
		h.tokens = make(map[string]string)
	}
	h.tokens[userID] = token
}

// Channel returns a new unconnected channel attached to the hub.
func (h *Hub) Channel() *Channel {
	return &Channel{hub: h}
}

// Online returns the ids with a connected channel.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) join(c *Channel, cred identity.Credential) error {
	h.mu.Lock()
	if want, ok := h.tokens[cred.UserID]; ok && want != cred.Token {
		h.mu.Unlock()
		return identity.ErrInvalidCredential
	}
	if old, ok := h.sessions[cred.UserID]; ok && old != c {
		old.stop()
	}
	h.sessions[cred.UserID] = c
	others := make([]*Channel, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != cred.UserID {
			others = append(others, s)
		}
	}
	h.mu.Unlock()

	for _, s := range others {
		s.push(transport.PresenceEvent(transport.Presence{UserID: cred.UserID, Online: true}))
		c.push(transport.PresenceEvent(transport.Presence{UserID: s.userID(), Online: true}))
	}
	return nil
}

func (h *Hub) leave(c *Channel, userID string) {
	h.mu.Lock()
	if h.sessions[userID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, userID)
	others := make([]*Channel, 0, len(h.sessions))
	for _, s := range h.sessions {
		others = append(others, s)
	}
	h.mu.Unlock()

	for _, s := range others {
		s.push(transport.PresenceEvent(transport.Presence{UserID: userID, Online: false}))
	}
}

func (h *Hub) route(ev transport.Event) {
	to := ev.Recipient()
	h.mu.RLock()
	s := h.sessions[to]
	h.mu.RUnlock()
	if s != nil {
		s.push(ev)
	}
}

// Channel is one participant's connection to a Hub.
type Channel struct {
	hub *Hub

	mu      sync.Mutex
	self    string
	handler transport.Handler
	queue   chan transport.Event
	done    chan struct{}

	dropped atomic.Int64
}

func (c *Channel) OnEvent(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) Connect(ctx context.Context, cred identity.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.queue != nil {
		c.mu.Unlock()
		return nil
	}
	c.self = cred.UserID
	c.queue = make(chan transport.Event, queueSize)
	c.done = make(chan struct{})
	go c.deliver(c.queue, c.done)
	c.mu.Unlock()

	if err := c.hub.join(c, cred); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	c.hub.leave(c, self)
	c.stop()
	return nil
}

func (c *Channel) Emit(ctx context.Context, ev transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	connected := c.queue != nil
	c.mu.Unlock()
	if !connected {
		return transport.ErrTransportUnavailable
	}
	c.hub.route(ev)
	return nil
}

func (c *Channel) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Channel) push(ev transport.Event) {
	c.mu.Lock()
	q, done := c.queue, c.done
	c.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- ev:
	case <-done:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports how many inbound events were lost to a full queue.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Channel) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return
	}
	close(c.done)
	c.queue = nil
	c.done = nil
}

func (c *Channel) deliver(q <-chan transport.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-q:
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}
