package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"msim/models"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Conversations returns the conversations owned by self, newest first.
// Each conversation's LastMessage is its latest cached message.
func (db *DB) Conversations(ctx context.Context, self models.User) ([]models.Conversation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, peer, peer_name, peer_email, peer_avatar, created_at
		FROM conversations
		WHERE owner = ?
		ORDER BY created_at DESC, rowid DESC`, self.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var (
			c       models.Conversation
			peer    models.User
			created string
		)
		if err := rows.Scan(&c.ID, &peer.ID, &peer.Username, &peer.Email, &peer.Avatar, &created); err != nil {
			return nil, err
		}
		c.Participants = [2]models.User{self, peer}
		c.CreatedAt, _ = time.Parse(timeLayout, created)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		last, err := db.lastMessage(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].LastMessage = last
	}
	return convs, nil
}

// SaveConversation records a conversation for owner. Saving it again is a
// no-op.
func (db *DB) SaveConversation(ctx context.Context, owner string, conv models.Conversation) error {
	peer := conv.Counterpart(owner)
	created := conv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, owner, peer, peer_name, peer_email, peer_avatar, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, owner, peer.ID, peer.Username, peer.Email, peer.Avatar, created.UTC().Format(timeLayout))
	return err
}

// SaveMessage appends msg to the conversation's cached history. A message
// id already stored is ignored.
func (db *DB) SaveMessage(ctx context.Context, conversationID string, msg models.Message) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_messages (id, conversation_id, sender, recipient, content, image_url, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.SenderID, msg.ReceiverID, msg.Content, msg.ImageURL,
		msg.Timestamp.UTC().Format(timeLayout), string(msg.Status))
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := replaceReactions(ctx, tx, msg.ID, msg.Reactions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateStatus overwrites the stored status of a message.
func (db *DB) UpdateStatus(ctx context.Context, messageID string, status models.Status) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE chat_messages SET status = ? WHERE id = ?", string(status), messageID)
	return err
}

// SaveReactions replaces the reaction set of a message.
func (db *DB) SaveReactions(ctx context.Context, messageID string, reactions []models.Reaction) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := replaceReactions(ctx, tx, messageID, reactions); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the cached messages of a conversation in arrival order.
func (db *DB) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, content, image_url, timestamp, status
		FROM chat_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		messages []models.Message
		byID     = make(map[string]int)
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = len(messages)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rrows, err := db.conn.QueryContext(ctx, `
		SELECT r.message_id, r.user_id, r.type
		FROM reactions r JOIN chat_messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?
		ORDER BY r.rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var id string
		var r models.Reaction
		if err := rrows.Scan(&id, &r.UserID, &r.Type); err != nil {
			return nil, err
		}
		if i, ok := byID[id]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}
	return messages, rrows.Err()
}

func (db *DB) lastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, sender, recipient, content, image_url, timestamp, status
		FROM chat_messages
		WHERE conversation_id = ?
		ORDER BY seq DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (models.Message, error) {
	var (
		m      models.Message
		ts     string
		status string
	)
	if err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ImageURL, &ts, &status); err != nil {
		return models.Message{}, err
	}
	t, err := time.Parse(timeLayout, ts)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: bad timestamp: %w", m.ID, err)
	}
	m.Timestamp = t
	m.Status = models.Status(status)
	return m, nil
}

func replaceReactions(ctx context.Context, tx *sql.Tx, messageID string, reactions []models.Reaction) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM reactions WHERE message_id = ?", messageID); err != nil {
		return err
	}
	for _, r := range reactions {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO reactions (message_id, user_id, type) VALUES (?, ?, ?)",
			messageID, r.UserID, r.Type); err != nil {
			return err
		}
	}
	return nil
}
