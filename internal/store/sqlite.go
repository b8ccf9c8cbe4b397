// Package store persists chats and their normalized messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/yagent/agent-bridge/internal/message"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	// ErrRoundRunning is returned by BeginRound when the chat already has a
	// round in flight.
	ErrRoundRunning = errors.New("round already running")
)

// Chat is one persisted conversation.
type Chat struct {
	ID    string
	Title string
	// ExternalID is the CLI session id resumed by the next round.
	ExternalID  string
	WorkDir     string
	Running     bool
	Interrupted bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SQLiteStore implements the chat store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			running INTEGER NOT NULL DEFAULT 0,
			interrupted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_external ON chats(external_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (chat_id, id),
			FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateChat inserts chat, assigning an id when it has none.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	chat.CreatedAt, chat.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, external_id, work_dir, running, interrupted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.ExternalID, chat.WorkDir, chat.Running, chat.Interrupted, now, now)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

const chatColumns = `id, title, external_id, work_dir, running, interrupted, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	if err := row.Scan(&c.ID, &c.Title, &c.ExternalID, &c.WorkDir, &c.Running, &c.Interrupted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return c, nil
}

// FindByExternalID returns the chat bound to a CLI session id.
func (s *SQLiteStore) FindByExternalID(ctx context.Context, externalID string) (*Chat, error) {
	if externalID == "" {
		return nil, ErrChatNotFound
	}
	c, err := scanChat(s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE external_id = ? ORDER BY created_at LIMIT 1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find chat by external id: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// update runs a single-chat UPDATE and maps "no row" to ErrChatNotFound.
func (s *SQLiteStore) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update chat %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat %s: %w", id, err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *SQLiteStore) SetRunning(ctx context.Context, id string, running bool) error {
	return s.update(ctx, id, `running = ?`, running)
}

func (s *SQLiteStore) SetInterrupted(ctx context.Context, id string, interrupted bool) error {
	return s.update(ctx, id, `interrupted = ?`, interrupted)
}

func (s *SQLiteStore) SetExternalID(ctx context.Context, id, externalID string) error {
	return s.update(ctx, id, `external_id = ?`, externalID)
}

func (s *SQLiteStore) SetWorkDir(ctx context.Context, id, dir string) error {
	return s.update(ctx, id, `work_dir = ?`, dir)
}

// BeginRound marks the chat running and clears a stale interrupt, unless a
// round is already running.
func (s *SQLiteStore) BeginRound(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET running = 1, interrupted = 0, updated_at = ? WHERE id = ? AND running = 0`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("begin round %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin round %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetChat(ctx, id); err != nil {
		return err
	}
	return ErrRoundRunning
}

// Interrupted reads the chat's interrupt flag.
func (s *SQLiteStore) Interrupted(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT interrupted FROM chats WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrChatNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read interrupt flag: %w", err)
	}
	return v, nil
}

// AppendMessage stores msg at the end of the chat. Appending a message id
// that is already stored replaces it in place.
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, msg message.Message) error {
	return s.appendMessage(ctx, s.db, chatID, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) appendMessage(ctx context.Context, db execer, chatID string, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, id, parent_id, role, data, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, id) DO UPDATE SET parent_id = excluded.parent_id, role = excluded.role, data = excluded.data`,
		chatID, msg.ID, msg.ParentID, string(msg.Role), string(data), time.Now().UTC())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return ErrChatNotFound
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the chat's messages in append order.
func (s *SQLiteStore) Messages(ctx context.Context, chatID string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m message.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceMessages swaps the chat's whole history for msgs in one
// transaction. Used when re-importing a transcript.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, chatID string, msgs []message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, m := range msgs {
		if err := s.appendMessage(ctx, tx, chatID, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
