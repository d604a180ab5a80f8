package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency. Foreign keys are
	// off by default in SQLite; the messages cascade depends on them.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_fk=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// All timestamps are stored as unix nanoseconds. Message ordering and the
// strictly-later AI reply invariant need sub-second resolution.
func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL CHECK (sender IN ('USER', 'AI')),
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert user: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.getUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?`, userID)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE email = ?`, email)
}

func (s *SQLiteStore) getUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)

	var user domain.User
	var createdAt int64
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(0, createdAt)
	return &user, nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation with its ordered messages.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, conversationID)

	var conv domain.Conversation
	var createdAt, updatedAt int64
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.Unix(0, createdAt)
	conv.UpdatedAt = time.Unix(0, updatedAt)

	messages, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	return &conv, nil
}

// ListConversations retrieves a user's conversations, most recently updated
// first, each with its last message for list previews.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	query := `SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv.CreatedAt = time.Unix(0, createdAt)
		conv.UpdatedAt = time.Unix(0, updatedAt)
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for _, conv := range convs {
		last, err := s.lastMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.LastMessage = last
	}

	return convs, nil
}

func (s *SQLiteStore) lastMessage(ctx context.Context, conversationID string) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, timestamp
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, conversationID)

	var msg domain.Message
	var ts int64
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan last message row: %w", err)
	}
	msg.Timestamp = time.Unix(0, ts)
	return &msg, nil
}

// UpdateConversationTitle sets the title and bumps updated_at.
func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	query := `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, title, time.Now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	return requireRow(result, "update conversation title")
}

// TouchConversation bumps the conversation's updated_at timestamp.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, updatedAt time.Time) error {
	query := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, updatedAt.UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return requireRow(result, "touch conversation")
}

// DeleteConversation removes a conversation; messages cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(result, "delete conversation")
}

// AppendMessage durably appends a message to its conversation.
// Retries with exponential backoff on SQLITE_BUSY so a slow concurrent
// write cannot turn into a lost user message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.appendMessageOnce(ctx, msg)
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("AppendMessage hit SQLITE_BUSY, retrying",
			"conversation_id", msg.ConversationID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("append message to %s: %w", msg.ConversationID, err)
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *domain.Message) error {
	query := `INSERT INTO messages (id, conversation_id, sender, content, timestamp) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages retrieves a conversation's messages in timestamp order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, timestamp
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func requireRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
