package chat

import (
	"context"
	"fmt"

	"github.com/ashureev/studyhub/internal/domain"
)

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	convs, err := s.repo.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	return convs, nil
}

// GetConversation returns an owned conversation with its messages in order.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*domain.ConversationWithMessages, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	conv, err := s.repo.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.ErrConversationNotFound
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return &domain.ConversationWithMessages{Conversation: *conv, Messages: msgs}, nil
}

// DeleteConversation removes an owned conversation, stopping its stream if one is active.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" {
		return domain.ErrUnauthenticated
	}
	deleted, err := s.repo.DeleteConversation(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if !deleted {
		return domain.ErrConversationNotFound
	}
	if ok, err := s.registry.Cancel(ctx, conversationID); err != nil {
		s.logger.Warn("failed to stop stream of deleted conversation", "conversation_id", conversationID, "error", err)
	} else if ok {
		s.logger.Info("Stopped stream of deleted conversation", "conversation_id", conversationID)
	}
	s.logger.Info("Conversation deleted", "user_id", userID, "conversation_id", conversationID)
	return nil
}
