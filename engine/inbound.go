package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"msim/models"
	"msim/transport"
)

// handle is the channel's inbound handler. Every event is applied under the
// engine lock; receipts it triggers are emitted afterwards.
func (e *Engine) handle(ev transport.Event) {
	if err := ev.Validate(); err != nil {
		e.drop("invalid", ev)
		return
	}

	var out []transport.Event
	switch ev.Kind {
	case transport.KindMessage:
		out = e.onMessage(ev.Message)
	case transport.KindPresence:
		e.onPresence(*ev.Presence)
	case transport.KindTyping:
		e.onTyping(*ev.Typing)
	case transport.KindReaction:
		e.onReaction(*ev.Reaction)
	case transport.KindReceipt:
		e.onReceipt(*ev.Receipt)
	}
	e.emitAll(context.Background(), out)
}

func (e *Engine) drop(reason string, ev transport.Event) {
	e.metrics.Dropped.WithLabelValues(reason).Inc()
	fields := logrus.Fields{
		"function": "handle",
		"kind":     ev.Kind,
		"reason":   reason,
	}
	if ev.Validate() == nil {
		fields["author"] = ev.Author()
	}
	e.log.WithFields(fields).Debug("Dropped inbound event")
}

func (e *Engine) onMessage(in *models.Message) []transport.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := transport.MessageEvent(in)
	self := e.self.ID
	if in.ReceiverID != self || in.SenderID == self {
		e.drop("misaddressed", ev)
		return nil
	}

	convID, err := e.dir.Resolve(in)
	if err != nil {
		if e.unknownPeer != UnknownPeerCreate {
			e.drop("no_conversation", ev)
			return nil
		}
		conv, _, err := e.dir.Open(models.User{ID: in.SenderID, Username: in.SenderID})
		if err != nil {
			e.drop("no_conversation", ev)
			return nil
		}
		convID = conv.ID
		e.ledger.Ensure(convID)
		e.saveConversation(conv)
		e.metrics.Conversations.Set(float64(e.dir.Len()))
		e.notify(Change{Kind: ChangeConversation, ConversationID: convID, UserID: in.SenderID})
	}

	active := e.dir.Active() == convID
	msg := in.Clone()
	msg.Status = models.StatusDelivered
	if active {
		msg.Status = models.StatusRead
	}
	added, err := e.ledger.Append(convID, msg)
	if err != nil {
		e.drop("invalid", ev)
		return nil
	}
	if !added {
		e.drop("duplicate", ev)
		return nil
	}
	if _, err := e.dir.UpsertFromMessage(msg); err != nil {
		return nil
	}
	e.metrics.MessagesReceived.Inc()
	e.saveMessage(convID, msg)

	if e.typing.ClearTyping(convID, msg.SenderID) {
		e.notify(Change{Kind: ChangeTyping, ConversationID: convID, UserID: msg.SenderID})
	}
	e.notify(Change{Kind: ChangeMessage, ConversationID: convID, MessageID: msg.ID, UserID: msg.SenderID, Message: msg.Clone()})

	receipt := func(status models.Status) transport.Event {
		return transport.ReceiptEvent(transport.Receipt{
			MessageID: msg.ID,
			Status:    status,
			UserID:    self,
			PeerID:    msg.SenderID,
		})
	}
	out := []transport.Event{receipt(models.StatusDelivered)}
	if active {
		out = append(out, receipt(models.StatusRead))
	}
	return out
}

func (e *Engine) onPresence(p transport.Presence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.UserID == e.self.ID {
		return
	}
	var changed bool
	if p.Online {
		changed = e.presence.SetOnline(p.UserID)
	} else {
		changed = e.presence.SetOffline(p.UserID)
	}
	if !changed {
		return
	}
	e.metrics.OnlineUsers.Set(float64(len(e.presence.Online())))
	e.notify(Change{Kind: ChangePresence, UserID: p.UserID, Online: p.Online})
}

// onTyping accepts the conversation id the typer sent only if it names a
// local conversation the typer is part of. Otherwise the id is the typer's
// own and the conversation is found by participant.
func (e *Engine) onTyping(t transport.Typing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.UserID == e.self.ID {
		return
	}
	convID := ""
	if c, ok := e.dir.Get(t.ConversationID); ok && c.HasParticipant(t.UserID) {
		convID = c.ID
	} else if id, ok := e.dir.FindByParticipant(t.UserID); ok {
		convID = id
	}
	if convID == "" {
		e.drop("no_conversation", transport.TypingEvent(t))
		return
	}
	typing := e.typing.SetTyping(convID, t.UserID)
	e.notify(Change{Kind: ChangeTyping, ConversationID: convID, UserID: t.UserID, Typing: &typing})
}

func (e *Engine) onReaction(r transport.Reaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := transport.ReactionEvent(r)
	_, convID, ok := e.ledger.Find(r.MessageID)
	if !ok {
		e.drop("unknown_message", ev)
		return
	}
	if c, ok := e.dir.Get(convID); !ok || !c.HasParticipant(r.UserID) || r.UserID == e.self.ID {
		e.drop("misaddressed", ev)
		return
	}
	if r.Reaction == "" {
		e.drop("invalid", ev)
		return
	}
	e.ledger.ToggleReaction(r.MessageID, r.UserID, r.Reaction)
	e.afterReaction(convID, r.MessageID, r.UserID)
}

// onReceipt applies a delivery or read acknowledgment. Only the receiver of
// one of our own messages can acknowledge it; stale receipts are no-ops.
func (e *Engine) onReceipt(r transport.Receipt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := transport.ReceiptEvent(r)
	msg, convID, ok := e.ledger.Find(r.MessageID)
	if !ok {
		e.drop("unknown_message", ev)
		return
	}
	if msg.SenderID != e.self.ID || msg.ReceiverID != r.UserID {
		e.drop("misaddressed", ev)
		return
	}
	if !e.ledger.UpdateStatus(r.MessageID, r.Status) {
		return
	}
	_ = e.dir.Refresh(convID)
	e.saveStatus(r.MessageID, r.Status)
	e.metrics.StatusUpdates.WithLabelValues(string(r.Status)).Inc()
	e.notify(Change{Kind: ChangeStatus, ConversationID: convID, MessageID: r.MessageID, UserID: r.UserID, Status: r.Status})
}
