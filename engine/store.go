package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"msim/models"
)

// Store is the optional local cache behind the engine. Writes arrive in
// mutation order on a single background goroutine.
type Store interface {
	Conversations(ctx context.Context, self models.User) ([]models.Conversation, error)
	History(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveConversation(ctx context.Context, owner string, conv models.Conversation) error
	SaveMessage(ctx context.Context, conversationID string, msg models.Message) error
	UpdateStatus(ctx context.Context, messageID string, status models.Status) error
	SaveReactions(ctx context.Context, messageID string, reactions []models.Reaction) error
}

const persistTimeout = 5 * time.Second

type persistOp struct {
	name string
	run  func(ctx context.Context, s Store) error
}

// persist queues a write. Must be called with e.mu held so the queue sees
// writes in mutation order.
func (e *Engine) persist(name string, run func(ctx context.Context, s Store) error) {
	if e.store == nil {
		return
	}
	e.writes.push(persistOp{name: name, run: run})
}

func (e *Engine) persistWorker() {
	defer e.wg.Done()
	e.writes.drain(func(op persistOp) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := op.run(ctx, e.store); err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "persistWorker",
				"op":       op.name,
				"error":    err.Error(),
			}).Warn("Failed to persist change")
		}
	})
}

func (e *Engine) saveConversation(conv *models.Conversation) {
	c := *conv.Clone()
	owner := e.self.ID
	e.persist("save_conversation", func(ctx context.Context, s Store) error {
		return s.SaveConversation(ctx, owner, c)
	})
}

func (e *Engine) saveMessage(conversationID string, msg *models.Message) {
	m := *msg.Clone()
	e.persist("save_message", func(ctx context.Context, s Store) error {
		return s.SaveMessage(ctx, conversationID, m)
	})
}

func (e *Engine) saveStatus(messageID string, status models.Status) {
	e.persist("update_status", func(ctx context.Context, s Store) error {
		return s.UpdateStatus(ctx, messageID, status)
	})
}

func (e *Engine) saveReactions(msg *models.Message) {
	id := msg.ID
	reactions := append([]models.Reaction(nil), msg.Reactions...)
	e.persist("save_reactions", func(ctx context.Context, s Store) error {
		return s.SaveReactions(ctx, id, reactions)
	})
}
