// Package simpeer is a transport.Channel with no network behind it: the
// remote side is simulated. Every outbound message is acknowledged as
// delivered after a short delay; most text messages are then answered by a
// typing signal, a read receipt and a canned reply.
//
// It exists for demos and tests. Pending simulations are cancelled on
// Disconnect.
package simpeer

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"msim/identity"
	"msim/models"
	"msim/transport"
)

const (
	DefaultDeliveredDelay   = 800 * time.Millisecond
	DefaultReplyMin         = 2 * time.Second
	DefaultReplyMax         = 4 * time.Second
	DefaultImageDelivered   = time.Second
	DefaultImageReadDelay   = 2 * time.Second
	DefaultReplyProbability = 0.7
)

var genericReplies = []string{
	"Thanks for your message!",
	"I got your message, thanks!",
	"Thanks for reaching out.",
	"I'll get back to you soon.",
	"Got it, thanks!",
	"I appreciate your message.",
	"Message received!",
	"Thanks for letting me know.",
	"I'll take a look at this.",
	"I'll respond properly later.",
}

type Option func(*Channel)

// WithDelays sets the delivered-receipt delay and the range the reply delay
// is drawn from.
func WithDelays(delivered, replyMin, replyMax time.Duration) Option {
	return func(c *Channel) {
		c.deliveredDelay = delivered
		c.replyMin = replyMin
		c.replyMax = replyMax
	}
}

// WithImageDelays sets when an image is acknowledged as delivered and how
// long after that it is read.
func WithImageDelays(delivered, read time.Duration) Option {
	return func(c *Channel) {
		c.imageDelivered = delivered
		c.imageReadDelay = read
	}
}

// WithReplyProbability sets the chance, in [0,1], that a text message is
// answered.
func WithReplyProbability(p float64) Option {
	return func(c *Channel) { c.replyProbability = p }
}

func WithRand(r *rand.Rand) Option {
	return func(c *Channel) { c.rnd = r }
}

// WithPeers lists users reported online as soon as the channel connects.
func WithPeers(ids ...string) Option {
	return func(c *Channel) { c.peers = append(c.peers, ids...) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Channel) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

type Channel struct {
	deliveredDelay   time.Duration
	replyMin         time.Duration
	replyMax         time.Duration
	imageDelivered   time.Duration
	imageReadDelay   time.Duration
	replyProbability float64
	peers            []string
	log              logrus.FieldLogger
	now              func() time.Time

	mu      sync.Mutex
	rnd     *rand.Rand
	self    string
	handler transport.Handler
	done    chan struct{}
	timers  []*time.Timer
	emitted []transport.Event

	// deliverMu keeps handler calls sequential.
	deliverMu sync.Mutex
}

func New(opts ...Option) *Channel {
	c := &Channel{
		deliveredDelay:   DefaultDeliveredDelay,
		replyMin:         DefaultReplyMin,
		replyMax:         DefaultReplyMax,
		imageDelivered:   DefaultImageDelivered,
		imageReadDelay:   DefaultImageReadDelay,
		replyProbability: DefaultReplyProbability,
		log:              logrus.StandardLogger(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
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
	if cred.UserID == "" {
		return identity.ErrInvalidCredential
	}
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	c.self = cred.UserID
	c.done = make(chan struct{})
	peers := append([]string(nil), c.peers...)
	c.mu.Unlock()

	for _, id := range peers {
		c.deliver(transport.PresenceEvent(transport.Presence{UserID: id, Online: true, At: c.now()}))
	}
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return nil
	}
	close(c.done)
	c.done = nil
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	return nil
}

// Emitted returns every event the engine sent through the channel.
func (c *Channel) Emitted() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Event(nil), c.emitted...)
}

func (c *Channel) Emit(ctx context.Context, ev transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.done == nil {
		c.mu.Unlock()
		return transport.ErrTransportUnavailable
	}
	c.emitted = append(c.emitted, ev)
	c.mu.Unlock()

	if ev.Kind == transport.KindMessage && ev.Message.SenderID == c.userID() {
		c.simulate(ev.Message.Clone())
	}
	return nil
}

func (c *Channel) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Channel) simulate(msg *models.Message) {
	peer := msg.ReceiverID
	receipt := func(status models.Status) transport.Event {
		return transport.ReceiptEvent(transport.Receipt{
			MessageID: msg.ID,
			Status:    status,
			UserID:    peer,
			PeerID:    msg.SenderID,
		})
	}

	if msg.ImageURL != "" {
		c.after(c.imageDelivered, func() {
			c.deliver(receipt(models.StatusDelivered))
			c.after(c.imageReadDelay, func() {
				c.deliver(receipt(models.StatusRead))
			})
		})
		return
	}

	c.after(c.deliveredDelay, func() {
		c.deliver(receipt(models.StatusDelivered))

		c.mu.Lock()
		reply := c.rnd.Float64() < c.replyProbability
		wait := c.replyMin
		if span := c.replyMax - c.replyMin; span > 0 {
			wait += time.Duration(c.rnd.Int63n(int64(span)))
		}
		c.mu.Unlock()
		if !reply {
			return
		}

		c.deliver(transport.TypingEvent(transport.Typing{UserID: peer, PeerID: msg.SenderID}))
		c.after(wait, func() {
			c.deliver(receipt(models.StatusRead))
			c.deliver(transport.MessageEvent(&models.Message{
				ID:         "server-" + uuid.NewString(),
				SenderID:   peer,
				ReceiverID: msg.SenderID,
				Content:    c.autoReply(msg.Content),
				Timestamp:  c.now(),
				Status:     models.StatusSent,
			}))
		})
	})
}

// after schedules fn unless the channel disconnects first.
func (c *Channel) after(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.done
	if done == nil {
		return
	}
	t := time.AfterFunc(d, func() {
		select {
		case <-done:
		default:
			fn()
		}
	})
	c.timers = append(c.timers, t)
}

func (c *Channel) deliver(ev transport.Event) {
	c.mu.Lock()
	h := c.handler
	live := c.done != nil
	c.mu.Unlock()
	if h == nil || !live {
		return
	}

	c.log.WithFields(logrus.Fields{
		"function": "deliver",
		"kind":     ev.Kind,
		"author":   ev.Author(),
	}).Debug("Simulated peer event")

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	h(ev)
}

func (c *Channel) autoReply(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return "Hello there! How can I help you today?"
	case strings.Contains(lower, "how are you"):
		return "I'm doing well, thanks for asking! How about you?"
	case strings.Contains(lower, "help") || strings.Contains(lower, "support"):
		return "I'd be happy to help. What do you need assistance with?"
	case strings.Contains(lower, "thanks") || strings.Contains(lower, "thank you"):
		return "You're welcome! Let me know if you need anything else."
	case strings.HasSuffix(content, "?"):
		return "That's a good question. Let me think about it and get back to you."
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return genericReplies[c.rnd.Intn(len(genericReplies))]
}
