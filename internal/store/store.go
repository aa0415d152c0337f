// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
)

// Repository defines the interface for persisting users, conversations and messages.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateConversation inserts a conversation and its seed messages atomically.
	CreateConversation(ctx context.Context, conv *domain.Conversation, messages []*domain.Message) error

	// GetConversation returns the conversation if it exists and belongs to ownerID.
	// Returns nil, nil otherwise.
	GetConversation(ctx context.Context, conversationID, ownerID string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recently updated first.
	ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Conversation, error)

	// ListMessages returns a conversation's messages in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// AppendMessages appends messages and bumps the conversation's updated_at.
	AppendMessages(ctx context.Context, conversationID string, messages []*domain.Message) error

	// DeleteConversation removes an owned conversation and its messages.
	// Returns false when nothing matched.
	DeleteConversation(ctx context.Context, conversationID, ownerID string) (bool, error)

	// DeleteStaleConversations removes conversations not updated within maxIdle.
	DeleteStaleConversations(ctx context.Context, maxIdle time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
