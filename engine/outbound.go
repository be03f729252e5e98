package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"msim/directory"
	"msim/identity"
	"msim/models"
	"msim/transport"
)

var ErrEmptyReaction = errors.New("reaction type required")

// Send appends a text message to the conversation with recipientID and
// emits it. The message stays in the ledger with status sent even if the
// emit fails.
func (e *Engine) Send(ctx context.Context, recipientID, content string) (*models.Message, error) {
	return e.compose(ctx, recipientID, content, "")
}

// SendImage uploads data to the blob store and sends a message pointing at
// it. An empty caption becomes DefaultImageCaption.
func (e *Engine) SendImage(ctx context.Context, recipientID string, data []byte, caption string) (*models.Message, error) {
	e.mu.Lock()
	_, known := e.dir.FindByParticipant(recipientID)
	e.mu.Unlock()
	if !known {
		return nil, directory.ErrNoMatchingConversation
	}

	url, err := e.blobs.Upload(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if caption == "" {
		caption = DefaultImageCaption
	}
	return e.compose(ctx, recipientID, caption, url)
}

func (e *Engine) compose(ctx context.Context, recipientID, content, imageURL string) (*models.Message, error) {
	e.mu.Lock()
	if e.self.ID == "" {
		e.mu.Unlock()
		return nil, identity.ErrNoIdentity
	}
	convID, ok := e.dir.FindByParticipant(recipientID)
	if !ok {
		e.mu.Unlock()
		return nil, directory.ErrNoMatchingConversation
	}

	msg := &models.Message{
		ID:         e.newID(),
		SenderID:   e.self.ID,
		ReceiverID: recipientID,
		Content:    content,
		ImageURL:   imageURL,
		Timestamp:  e.now(),
		Status:     models.StatusSent,
	}
	if _, err := e.ledger.Append(convID, msg); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if _, err := e.dir.UpsertFromMessage(msg); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.metrics.MessagesSent.Inc()
	e.saveMessage(convID, msg)
	e.notify(Change{Kind: ChangeMessage, ConversationID: convID, MessageID: msg.ID, UserID: msg.SenderID, Message: msg.Clone()})
	e.mu.Unlock()

	e.emit(ctx, transport.MessageEvent(msg.Clone()))
	return msg, nil
}

// React toggles the local user's reaction on a message and tells the other
// participant.
func (e *Engine) React(ctx context.Context, messageID, reactionType string) error {
	if reactionType == "" {
		return ErrEmptyReaction
	}

	e.mu.Lock()
	msg, convID, ok := e.ledger.Find(messageID)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	self := e.self.ID
	e.ledger.ToggleReaction(messageID, self, reactionType)
	e.afterReaction(convID, messageID, self)
	e.mu.Unlock()

	e.emit(ctx, transport.ReactionEvent(transport.Reaction{
		MessageID: messageID,
		UserID:    self,
		Reaction:  reactionType,
		PeerID:    msg.Counterpart(self),
	}))
	return nil
}

// afterReaction runs the bookkeeping shared by local and remote toggles.
func (e *Engine) afterReaction(convID, messageID, userID string) {
	_ = e.dir.Refresh(convID)
	updated, _, _ := e.ledger.Find(messageID)
	e.saveReactions(updated)
	e.metrics.Reactions.Inc()
	e.notify(Change{Kind: ChangeReaction, ConversationID: convID, MessageID: messageID, UserID: userID, Message: updated})
}

// NotifyTyping signals the other participant that the local user is typing.
// Calls closer together than the typing throttle are absorbed; the result
// reports whether a signal went out. There is no stop signal, receivers
// expire the indicator themselves.
func (e *Engine) NotifyTyping(ctx context.Context, conversationID string) (bool, error) {
	e.mu.Lock()
	conv, ok := e.dir.Get(conversationID)
	if !ok {
		e.mu.Unlock()
		return false, directory.ErrUnknownConversation
	}
	lim, ok := e.limiters[conversationID]
	if !ok {
		every := rate.Inf
		if e.typingThrottle > 0 {
			every = rate.Every(e.typingThrottle)
		}
		lim = rate.NewLimiter(every, 1)
		e.limiters[conversationID] = lim
	}
	if !lim.AllowN(e.now(), 1) {
		e.mu.Unlock()
		return false, nil
	}
	self := e.self.ID
	peer := conv.Counterpart(self).ID
	e.mu.Unlock()

	e.metrics.TypingEmitted.Inc()
	e.emit(ctx, transport.TypingEvent(transport.Typing{
		UserID:         self,
		ConversationID: conversationID,
		PeerID:         peer,
	}))
	return true, nil
}

// SelectConversation puts a conversation in view: its unread count drops to
// zero, the peer's messages are acknowledged as read and cached history is
// merged in front of the live messages. An empty id clears the selection.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if err := e.dir.SetActive(conversationID); err != nil {
		e.mu.Unlock()
		return err
	}
	e.notify(Change{Kind: ChangeActive, ConversationID: conversationID})
	receipts := e.markRead(conversationID)
	e.mu.Unlock()

	e.emitAll(ctx, receipts)
	if conversationID == "" {
		return nil
	}
	return e.loadHistory(ctx, conversationID)
}

// CreateConversation opens a conversation with participant, reusing the
// existing one when there is one, and selects it.
func (e *Engine) CreateConversation(ctx context.Context, participant models.User) (*models.Conversation, error) {
	e.mu.Lock()
	conv, created, err := e.dir.CreateOrReuse(participant)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if created {
		e.ledger.Ensure(conv.ID)
		e.saveConversation(conv)
		e.metrics.Conversations.Set(float64(e.dir.Len()))
		e.notify(Change{Kind: ChangeConversation, ConversationID: conv.ID, UserID: participant.ID})

		e.log.WithFields(logrus.Fields{
			"function":     "CreateConversation",
			"conversation": conv.ID,
			"participant":  participant.ID,
		}).Debug("Conversation created")
	}
	e.notify(Change{Kind: ChangeActive, ConversationID: conv.ID})
	receipts := e.markRead(conv.ID)
	e.mu.Unlock()

	e.emitAll(ctx, receipts)
	if !created {
		if err := e.loadHistory(ctx, conv.ID); err != nil {
			return conv, err
		}
	}
	c, _ := e.Conversation(conv.ID)
	return c, nil
}

// loadHistory merges the store's copy of a conversation in front of what
// arrived live. The lock is released while the store is read.
func (e *Engine) loadHistory(ctx context.Context, conversationID string) error {
	if e.store == nil {
		return nil
	}
	history, err := e.store.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load history %s: %w", conversationID, err)
	}

	e.mu.Lock()
	n, err := e.ledger.Merge(conversationID, history)
	if err != nil {
		// conversation went away while the store was read
		e.mu.Unlock()
		return nil
	}
	var receipts []transport.Event
	if n > 0 {
		_ = e.dir.Refresh(conversationID)
		e.notify(Change{Kind: ChangeHistory, ConversationID: conversationID})
		if e.dir.Active() == conversationID {
			receipts = e.markRead(conversationID)
		}
	}
	e.mu.Unlock()

	e.emitAll(ctx, receipts)
	return nil
}

// markRead advances the peer's messages in conversationID to read and
// returns the receipts to send. Call with e.mu held.
func (e *Engine) markRead(conversationID string) []transport.Event {
	if conversationID == "" {
		return nil
	}
	self := e.self.ID
	var receipts []transport.Event
	for _, m := range e.ledger.Messages(conversationID) {
		if m.SenderID == self || !e.ledger.UpdateStatus(m.ID, models.StatusRead) {
			continue
		}
		e.saveStatus(m.ID, models.StatusRead)
		receipts = append(receipts, transport.ReceiptEvent(transport.Receipt{
			MessageID: m.ID,
			Status:    models.StatusRead,
			UserID:    self,
			PeerID:    m.SenderID,
		}))
	}
	if len(receipts) > 0 {
		_ = e.dir.Refresh(conversationID)
	}
	return receipts
}

func (e *Engine) emitAll(ctx context.Context, events []transport.Event) {
	for _, ev := range events {
		e.emit(ctx, ev)
	}
}
