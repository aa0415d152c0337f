// Package chat runs tutor chat exchanges against the upstream model while
// keeping conversations durable.
package chat

import (
	"github.com/ashureev/studyhub/internal/domain"
)

// Options identify who is chatting and, optionally, which conversation continues.
type Options struct {
	UserID         string
	ConversationID string
	// Channel names the transport for audit records (e.g. "chat_stream", "ws").
	Channel string
}

// StreamOptions extend Options for streamed exchanges.
type StreamOptions struct {
	Options
	// OnReady is called once the conversation id is known and the exchange is
	// registered for cancellation, before the upstream call starts.
	OnReady func(conversationID string)
}

// Reply is the result of a non-streamed exchange.
type Reply struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// StreamResult is the terminal state of a streamed exchange.
type StreamResult struct {
	ConversationID string
	// Text is the concatenation of every fragment passed to onFragment.
	Text      string
	Fragments int
	Cancelled bool
}

// Request is the validated inbound message list.
type Request struct {
	Messages []domain.ChatMessage `json:"messages" validate:"required,min=1,max=200,dive"`
}
