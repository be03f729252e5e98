// Package natsbus carries transport events over NATS subjects.
//
// Each user listens on <prefix>.user.<id>; presence is broadcast on
// <prefix>.presence. A client answers every online broadcast from a peer with
// its own online presence sent to that peer's inbox, so late joiners learn
// who is already there. Payloads are transport envelopes.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"msim/identity"
	"msim/transport"
)

const DefaultPrefix = "chat"

type Option func(*Bus)

func WithPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bus) { b.log = l }
}

// WithNATSOptions appends options used when dialing.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(b *Bus) { b.natsOpts = append(b.natsOpts, opts...) }
}

type Bus struct {
	url      string
	prefix   string
	log      logrus.FieldLogger
	natsOpts []nats.Option

	mu      sync.Mutex
	nc      *nats.Conn
	subs    []*nats.Subscription
	self    string
	handler transport.Handler

	dispatchMu sync.Mutex
}

func New(url string, opts ...Option) *Bus {
	b := &Bus{
		url:    url,
		prefix: DefaultPrefix,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) InboxSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s", b.prefix, userID)
}

func (b *Bus) PresenceSubject() string {
	return b.prefix + ".presence"
}

func (b *Bus) OnEvent(h transport.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bus) Connect(ctx context.Context, cred identity.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		return nil
	}

	opts := append([]nats.Option{nats.Name("msim-" + cred.UserID)}, b.natsOpts...)
	if cred.Token != "" {
		opts = append(opts, nats.Token(cred.Token))
	}
	if d, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(d)))
	}

	nc, err := nats.Connect(b.url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return identity.ErrInvalidCredential
		}
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	inbox, err := nc.Subscribe(b.InboxSubject(cred.UserID), b.receive)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	presence, err := nc.Subscribe(b.PresenceSubject(), b.receive)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe presence: %w", err)
	}

	b.nc = nc
	b.self = cred.UserID
	b.subs = []*nats.Subscription{inbox, presence}

	b.log.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      b.url,
		"user":     cred.UserID,
	}).Info("Connected to NATS")

	return b.publishLocked(transport.PresenceEvent(transport.Presence{UserID: cred.UserID, Online: true, At: time.Now()}))
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil
	}
	if err := b.publishLocked(transport.PresenceEvent(transport.Presence{UserID: b.self, Online: false, At: time.Now()})); err != nil {
		b.log.WithFields(logrus.Fields{
			"function": "Disconnect",
			"error":    err.Error(),
		}).Warn("Failed to announce offline")
	}
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	err := b.nc.Drain()
	b.nc = nil
	b.subs = nil
	return err
}

func (b *Bus) Emit(ctx context.Context, ev transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(ev)
}

func (b *Bus) subjectFor(ev transport.Event) string {
	if ev.Kind == transport.KindPresence {
		return b.PresenceSubject()
	}
	return b.InboxSubject(ev.Recipient())
}

func (b *Bus) publishLocked(ev transport.Event) error {
	return b.publishToLocked(b.subjectFor(ev), ev)
}

func (b *Bus) publishToLocked(subject string, ev transport.Event) error {
	if b.nc == nil || !b.nc.IsConnected() {
		return transport.ErrTransportUnavailable
	}
	data, err := transport.Encode(ev)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	return nil
}

func (b *Bus) receive(m *nats.Msg) {
	ev, err := transport.Decode(m.Data)
	if err != nil {
		b.log.WithFields(logrus.Fields{
			"function": "receive",
			"subject":  m.Subject,
			"error":    err.Error(),
		}).Warn("Dropping undecodable event")
		return
	}

	b.mu.Lock()
	self, h := b.self, b.handler
	b.mu.Unlock()
	if h == nil || ev.Author() == self {
		return
	}

	if subject, answer, ok := b.presenceAnswer(m.Subject, ev); ok {
		b.mu.Lock()
		err := b.publishToLocked(subject, answer)
		b.mu.Unlock()
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"function": "receive",
				"peer":     ev.Presence.UserID,
				"error":    err.Error(),
			}).Debug("Failed to answer presence")
		}
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	h(ev)
}

// presenceAnswer returns the inbox subject and event that answer a peer's
// online broadcast. Presence received in an inbox is itself an answer and is
// never answered.
func (b *Bus) presenceAnswer(subject string, ev transport.Event) (string, transport.Event, bool) {
	if ev.Kind != transport.KindPresence || !ev.Presence.Online || subject != b.PresenceSubject() {
		return "", transport.Event{}, false
	}
	b.mu.Lock()
	self := b.self
	b.mu.Unlock()
	if self == "" || ev.Presence.UserID == self {
		return "", transport.Event{}, false
	}
	answer := transport.PresenceEvent(transport.Presence{UserID: self, Online: true, At: time.Now()})
	return b.InboxSubject(ev.Presence.UserID), answer, true
}
