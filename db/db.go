// Package db is the sqlite storage shared by the relay and the chat client.
// The relay keeps only accounts here; the client keeps its conversation and
// message cache.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrUserExists = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			peer TEXT NOT NULL,
			peer_name TEXT NOT NULL DEFAULT '',
			peer_email TEXT NOT NULL DEFAULT '',
			peer_avatar TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(owner, peer)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent'
		)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			PRIMARY KEY(message_id, user_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, seq)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate adds columns introduced after the first schema
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(time.RFC3339)

	for _, column := range []string{"last_online", "last_offline"} {
		if db.columnExists("users", column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN " + column + " TEXT DEFAULT '" + now + "'"); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET "+column+" = ? WHERE "+column+" IS NULL", now); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods
func (db *DB) CreateUser(ctx context.Context, login, password string) error {
	exists, err := db.UserExists(ctx, login)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (login, password, last_online, last_offline) VALUES (?, ?, ?, ?)",
		login, string(hashed), now, now,
	)
	return err
}

func (db *DB) UpdateLastOnline(ctx context.Context, login string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

func (db *DB) UpdateLastOffline(ctx context.Context, login string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

// GetUserStatus returns user's online status timestamps
func (db *DB) GetUserStatus(ctx context.Context, login string) (lastOnline, lastOffline time.Time, err error) {
	var onlineStr, offlineStr string
	err = db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users WHERE login = ?",
		login,
	).Scan(&onlineStr, &offlineStr)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoRows
		return
	}
	if err != nil {
		return
	}

	if onlineStr != "" {
		lastOnline, _ = time.Parse(time.RFC3339, onlineStr)
	}
	if offlineStr != "" {
		lastOffline, _ = time.Parse(time.RFC3339, offlineStr)
	}
	return
}

func (db *DB) AuthenticateUser(ctx context.Context, login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(ctx context.Context, login string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
