// Package sqlite persists chats in a SQLite database through mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);

CREATE TABLE IF NOT EXISTS messages (
	chat_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'data')),
	content TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, seq),
	FOREIGN KEY (chat_id) REFERENCES chats (id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at, seq);
`

// Store implements store.Repository on a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema. The
// special path ":memory:" yields a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateChat(ctx context.Context, session chat.Session, placeholder chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create chat: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO chats (id, user_id, created_at) VALUES (?, ?, ?)",
		session.ID, session.UserID, session.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrChatExists
		}
		return fmt.Errorf("insert chat %s: %w", session.ID, err)
	}
	if err := insertMessages(ctx, tx, session.ID, []chat.Message{placeholder}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (chat.Session, error) {
	var (
		session chat.Session
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, created_at FROM chats WHERE id = ?", chatID).
		Scan(&session.ID, &session.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, store.ErrChatNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("query chat %s: %w", chatID, err)
	}
	session.CreatedAt = time.Unix(0, created).UTC()
	return session, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC, id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("query chats for %s: %w", userID, err)
	}
	defer rows.Close()

	out := make([]chat.Session, 0)
	for rows.Next() {
		var (
			session chat.Session
			created int64
		)
		if err := rows.Scan(&session.ID, &session.UserID, &created); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		session.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *Store) OwnedChatIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chats WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("query owned chats for %s: %w", userID, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, attachments, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at, seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", chatID, err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg         chat.Message
			role        string
			attachments string
			created     int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &attachments, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.Role, err = chat.ParseRole(role); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
		}
		msg.Attachments = chat.NormalizeAttachments(msg.Attachments)
		msg.ChatID = chatID
		msg.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ReplaceMessages deletes the stored list and inserts messages in a single
// transaction, so readers never observe a partial history.
func (s *Store) ReplaceMessages(ctx context.Context, chatID, userID string, messages []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace messages: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = ?", chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("query chat owner %s: %w", chatID, err)
	}
	if owner != userID {
		return store.ErrNotOwner
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("clear messages for %s: %w", chatID, err)
	}
	if err := insertMessages(ctx, tx, chatID, messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace messages: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, chatID string, messages []chat.Message) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (chat_id, seq, id, role, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert message: %w", err)
	}
	defer stmt.Close()

	for seq, msg := range messages {
		attachments, err := json.Marshal(chat.NormalizeAttachments(msg.Attachments))
		if err != nil {
			return fmt.Errorf("encode attachments of %s: %w", msg.ID, err)
		}
		_, err = stmt.ExecContext(ctx, chatID, seq, msg.ID, string(msg.Role), msg.Content,
			string(attachments), msg.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
