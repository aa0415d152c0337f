package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	maxTitleRunes = 50
	defaultTitle  = "New conversation"
)

// Conversation is a titled, owned, ordered sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SetTitle derives the title from the first user message.
func (c *Conversation) SetTitle(content string) {
	c.Title = DeriveTitle(content)
}

// DeriveTitle builds a conversation title from message content.
func DeriveTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return defaultTitle
	}
	runes := []rune(content)
	if len(runes) <= maxTitleRunes {
		return content
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}

// Message is one immutable turn within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ChatMessage is the role-tagged message shape exchanged with clients and the upstream model.
// Earlier turns may be empty; only the final user turn must carry text.
type ChatMessage struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// ConversationWithMessages bundles a conversation and its ordered messages.
type ConversationWithMessages struct {
	Conversation
	Messages []*Message `json:"messages"`
}
