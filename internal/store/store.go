// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("record conflicts with an existing record")
)

// Repository defines the interface for persisting users, conversations and
// messages.
type Repository interface {
	// CreateUser inserts a new user. Returns ErrConflict if the email or
	// username is already taken.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByEmail retrieves a user by email. Returns ErrNotFound if absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation with its messages ordered by
	// timestamp ascending. Returns ErrNotFound if absent.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations retrieves all conversations owned by a user, most
	// recently updated first, each carrying its last message.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)

	// UpdateConversationTitle sets the title and bumps updated_at.
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error

	// TouchConversation bumps the conversation's updated_at timestamp.
	TouchConversation(ctx context.Context, conversationID string, updatedAt time.Time) error

	// DeleteConversation removes a conversation and, transitively, all of
	// its messages. Returns ErrNotFound if absent.
	DeleteConversation(ctx context.Context, conversationID string) error

	// AppendMessage durably appends a message to its conversation.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages retrieves a conversation's messages ordered by timestamp
	// ascending.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
