package simpeer

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/identity"
	"msim/models"
	"msim/transport"
)

type sink struct {
	mu     sync.Mutex
	events []transport.Event
}

func (s *sink) handle(ev transport.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sink) kinds() []transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *sink) at(i int) transport.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

func fast(opts ...Option) []Option {
	return append([]Option{
		WithDelays(10*time.Millisecond, 20*time.Millisecond, 30*time.Millisecond),
		WithImageDelays(10*time.Millisecond, 10*time.Millisecond),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)
}

func textTo(peer, content string) transport.Event {
	return transport.MessageEvent(&models.Message{
		ID: "m1", SenderID: "1", ReceiverID: peer, Content: content, Timestamp: time.Now(), Status: models.StatusSent,
	})
}

func TestReplyFlow(t *testing.T) {
	ch := New(fast(WithReplyProbability(1))...)
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))

	require.NoError(t, ch.Emit(context.Background(), textTo("2", "hello there")))

	want := []transport.Kind{transport.KindReceipt, transport.KindTyping, transport.KindReceipt, transport.KindMessage}
	assert.Eventually(t, func() bool { return len(s.kinds()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, s.kinds())

	assert.Equal(t, models.StatusDelivered, s.at(0).Receipt.Status)
	assert.Equal(t, "2", s.at(1).Typing.UserID)
	assert.Equal(t, models.StatusRead, s.at(2).Receipt.Status)
	reply := s.at(3).Message
	assert.Equal(t, "2", reply.SenderID)
	assert.Equal(t, "1", reply.ReceiverID)
	assert.Equal(t, "Hello there! How can I help you today?", reply.Content)
	assert.Len(t, ch.Emitted(), 1)
}

func TestNoReplyOnlyDelivered(t *testing.T) {
	ch := New(fast(WithReplyProbability(0))...)
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))
	require.NoError(t, ch.Emit(context.Background(), textTo("2", "ok")))

	assert.Eventually(t, func() bool { return len(s.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []transport.Kind{transport.KindReceipt}, s.kinds())
}

func TestImageIsReadWithoutReply(t *testing.T) {
	ch := New(fast(WithReplyProbability(1))...)
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))

	ev := transport.MessageEvent(&models.Message{
		ID: "img", SenderID: "1", ReceiverID: "2", Content: "Sent an image", ImageURL: "blob://sha256/00", Timestamp: time.Now(),
	})
	require.NoError(t, ch.Emit(context.Background(), ev))

	assert.Eventually(t, func() bool { return len(s.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusRead, s.at(1).Receipt.Status)
}

func TestImageUsesItsOwnDeliveredDelay(t *testing.T) {
	assert.Equal(t, DefaultImageDelivered, New().imageDelivered)

	ch := New(
		WithDelays(time.Hour, time.Hour, time.Hour),
		WithImageDelays(10*time.Millisecond, time.Hour),
	)
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))
	defer ch.Disconnect()

	ev := transport.MessageEvent(&models.Message{
		ID: "img", SenderID: "1", ReceiverID: "2", Content: "Sent an image", ImageURL: "blob://sha256/00", Timestamp: time.Now(),
	})
	require.NoError(t, ch.Emit(context.Background(), ev))

	assert.Eventually(t, func() bool { return len(s.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusDelivered, s.at(0).Receipt.Status)
}

func TestDisconnectCancelsPending(t *testing.T) {
	ch := New(WithDelays(50*time.Millisecond, time.Second, time.Second))
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))
	require.NoError(t, ch.Emit(context.Background(), textTo("2", "hi")))
	require.NoError(t, ch.Disconnect())

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, s.kinds())
	assert.ErrorIs(t, ch.Emit(context.Background(), textTo("2", "hi")), transport.ErrTransportUnavailable)
}

func TestPeersAnnouncedOnConnect(t *testing.T) {
	ch := New(WithPeers("2", "3"))
	s := &sink{}
	ch.OnEvent(s.handle)
	require.NoError(t, ch.Connect(context.Background(), identity.Credential{UserID: "1"}))

	require.Len(t, s.kinds(), 2)
	assert.True(t, s.at(0).Presence.Online)
	assert.Equal(t, "3", s.at(1).Presence.UserID)
}

func TestAutoReplyRules(t *testing.T) {
	ch := New(WithRand(rand.New(rand.NewSource(7))))
	assert.Equal(t, "I'm doing well, thanks for asking! How about you?", ch.autoReply("So, how are you"))
	assert.Equal(t, "I'd be happy to help. What do you need assistance with?", ch.autoReply("need SUPPORT"))
	assert.Equal(t, "That's a good question. Let me think about it and get back to you.", ch.autoReply("lunch today?"))
	assert.Contains(t, genericReplies, ch.autoReply("ok"))
}
