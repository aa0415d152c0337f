// Package cancel tracks in-flight streamed exchanges so they can be stopped on request.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
)

// Handle is the cancellation handle of one in-flight streamed exchange.
type Handle struct {
	ConversationID string
	StartedAt      time.Time
	cancel         context.CancelCauseFunc
}

// NewHandle wraps the cancel function of an exchange's context.
func NewHandle(conversationID string, cancel context.CancelCauseFunc) *Handle {
	return &Handle{
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}
}

// Cancel stops the exchange with domain.ErrCancelledByUser as the cause.
func (h *Handle) Cancel() {
	h.cancel(domain.ErrCancelledByUser)
}

// Registry maps conversation ids to the handle of their active stream.
type Registry interface {
	// Register records h as the active stream for the conversation,
	// superseding any previous entry.
	Register(conversationID string, h *Handle)

	// Cancel signals the active stream for the conversation and removes it.
	// Returns false when no stream is active.
	Cancel(ctx context.Context, conversationID string) (bool, error)

	// Deregister removes the entry only if it still refers to h.
	Deregister(conversationID string, h *Handle)
}

var (
	_ Registry = (*Local)(nil)
	_ Registry = (*Redis)(nil)
)

// Local is an in-process Registry.
type Local struct {
	mu     sync.Mutex
	active map[string]*Handle
	logger *slog.Logger
}

// NewLocal creates an empty in-process registry.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		active: make(map[string]*Handle),
		logger: logger,
	}
}

// Register implements Registry.
func (l *Local) Register(conversationID string, h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.active[conversationID]; ok && existing != h {
		// The older stream keeps running; it just can no longer be cancelled by id.
		l.logger.Warn("Stream superseded by a newer stream for the same conversation",
			"conversation_id", conversationID,
			"previous_started_at", existing.StartedAt,
		)
	}
	l.active[conversationID] = h
}

// Cancel implements Registry.
func (l *Local) Cancel(_ context.Context, conversationID string) (bool, error) {
	h := l.take(conversationID)
	if h == nil {
		return false, nil
	}
	h.Cancel()
	l.logger.Info("Stream cancelled", "conversation_id", conversationID)
	return true, nil
}

// Deregister implements Registry.
func (l *Local) Deregister(conversationID string, h *Handle) {
	l.remove(conversationID, h)
}

// Active reports whether a stream is registered for the conversation.
func (l *Local) Active(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[conversationID]
	return ok
}

// Len returns the number of registered streams.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Local) take(conversationID string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.active[conversationID]
	if !ok {
		return nil
	}
	delete(l.active, conversationID)
	return h
}

// remove deletes the entry if it is still h and reports whether it did.
func (l *Local) remove(conversationID string, h *Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.active[conversationID]; ok && current == h {
		delete(l.active, conversationID)
		return true
	}
	return false
}
