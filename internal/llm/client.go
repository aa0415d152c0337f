// Package llm talks to the upstream completion provider.
package llm

import (
	"context"
	"iter"

	"github.com/ashureev/studyhub/internal/domain"
)

// Client produces assistant replies for an ordered message history.
type Client interface {
	// Complete returns the full reply text in one call.
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)

	// Stream yields reply fragments in order. Iteration ends after the last
	// fragment or after the first error.
	Stream(ctx context.Context, messages []domain.ChatMessage) iter.Seq2[string, error]
}

// Ensure OpenAI implements Client.
var _ Client = (*OpenAI)(nil)
