package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/studyhub/internal/audit"
	"github.com/ashureev/studyhub/internal/cancel"
	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/llm"
	"github.com/ashureev/studyhub/internal/metrics"
	"github.com/ashureev/studyhub/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStreamTimeout = 5 * time.Minute
	persistTimeout       = 10 * time.Second
)

var (
	tracer = otel.Tracer("studyhub.chat")

	errStreamTimeout = errors.New("stream exceeded time limit")
)

// Deps are the collaborators of a Service.
type Deps struct {
	Repo     store.Repository
	LLM      llm.Client
	Registry cancel.Registry
	Metrics  *metrics.Chat
	Audit    audit.Logger
	Logger   *slog.Logger
	// StreamTimeout bounds one exchange. Zero means five minutes.
	StreamTimeout time.Duration
}

// Service orchestrates chat exchanges. It is the only implementation behind
// every transport.
type Service struct {
	repo          store.Repository
	llm           llm.Client
	registry      cancel.Registry
	metrics       *metrics.Chat
	audit         audit.Logger
	logger        *slog.Logger
	streamTimeout time.Duration
	now           func() time.Time
}

// NewService creates a chat service.
func NewService(d Deps) (*Service, error) {
	if d.Repo == nil || d.LLM == nil || d.Registry == nil {
		return nil, fmt.Errorf("chat service requires a repository, completion client and cancel registry")
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.StreamTimeout <= 0 {
		d.StreamTimeout = defaultStreamTimeout
	}
	return &Service{
		repo:          d.Repo,
		llm:           d.LLM,
		registry:      d.Registry,
		metrics:       d.Metrics,
		audit:         d.Audit,
		logger:        d.Logger,
		streamTimeout: d.StreamTimeout,
		now:           time.Now,
	}, nil
}

// Respond runs one non-streamed exchange.
func (s *Service) Respond(ctx context.Context, messages []domain.ChatMessage, opts Options) (*Reply, error) {
	if opts.UserID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chat.Respond", trace.WithAttributes(
		attribute.String("user.id", opts.UserID),
		attribute.Int("chat.messages", len(messages)),
	))
	defer span.End()

	conversationID, err := s.persistInbound(ctx, opts.UserID, opts.ConversationID, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist inbound")
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	s.logUserMessage(opts, conversationID, messages)

	start := s.now()
	callCtx, cancelCall := context.WithTimeoutCause(ctx, s.streamTimeout, errStreamTimeout)
	defer cancelCall()

	text, err := s.llm.Complete(callCtx, messages)
	if err != nil {
		s.metrics.Exchange(metrics.ModeBlocking, metrics.OutcomeFailed, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		s.logger.Error("Completion failed", "user_id", opts.UserID, "conversation_id", conversationID, "error", err)
		return nil, upstreamError(callCtx, err)
	}

	s.persistAssistant(ctx, opts.UserID, conversationID, text)
	s.metrics.Exchange(metrics.ModeBlocking, metrics.OutcomeCompleted, time.Since(start))
	s.logAssistantMessage(opts, conversationID, text, 1, false, "")

	return &Reply{Text: text, ConversationID: conversationID}, nil
}

// RespondStreaming runs one streamed exchange, passing each fragment to
// onFragment synchronously and in order. Cancellation, whether requested
// through the registry or caused by the caller's context ending, is not an
// error: the partial text is persisted and the result is marked Cancelled.
// Upstream failures return a result together with an error wrapping
// domain.ErrUpstream. Errors before OnReady return a nil result.
//
//nolint:gocyclo // Terminal-state branches are kept together to make the state machine readable.
func (s *Service) RespondStreaming(ctx context.Context, messages []domain.ChatMessage, onFragment func(string), opts StreamOptions) (*StreamResult, error) {
	if opts.UserID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chat.RespondStreaming", trace.WithAttributes(
		attribute.String("user.id", opts.UserID),
		attribute.Int("chat.messages", len(messages)),
	))
	defer span.End()

	conversationID, err := s.persistInbound(ctx, opts.UserID, opts.ConversationID, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist inbound")
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	s.logUserMessage(opts.Options, conversationID, messages)

	streamCtx, cancelStream := context.WithCancelCause(ctx)
	defer cancelStream(nil)

	handle := cancel.NewHandle(conversationID, cancelStream)
	s.registry.Register(conversationID, handle)
	defer s.registry.Deregister(conversationID, handle)

	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	if opts.OnReady != nil {
		opts.OnReady(conversationID)
	}

	upstreamCtx, cancelUpstream := context.WithTimeoutCause(streamCtx, s.streamTimeout, errStreamTimeout)
	defer cancelUpstream()

	start := s.now()
	result := &StreamResult{ConversationID: conversationID}
	var text strings.Builder
	var upstreamErr error

	for fragment, err := range s.llm.Stream(upstreamCtx, messages) {
		// Nothing is relayed once the exchange has been cancelled.
		if streamCtx.Err() != nil {
			break
		}
		if err != nil {
			upstreamErr = err
			break
		}
		text.WriteString(fragment)
		result.Fragments++
		s.metrics.Fragment()
		if onFragment != nil {
			onFragment(fragment)
		}
	}
	result.Text = text.String()

	cause := context.Cause(streamCtx)
	result.Cancelled = errors.Is(cause, domain.ErrCancelledByUser) || ctx.Err() != nil

	switch {
	case result.Cancelled:
		reason := "cancel_request"
		if !errors.Is(cause, domain.ErrCancelledByUser) {
			reason = "client_disconnect"
		}
		s.logger.Info("Stream cancelled",
			"user_id", opts.UserID,
			"conversation_id", conversationID,
			"reason", reason,
			"fragments", result.Fragments,
		)
		if result.Text != "" {
			s.persistAssistant(ctx, opts.UserID, conversationID, result.Text)
		}
		s.metrics.Exchange(metrics.ModeStreaming, metrics.OutcomeCancelled, time.Since(start))
		s.logAssistantMessage(opts.Options, conversationID, result.Text, result.Fragments, true, reason)
		span.SetAttributes(attribute.String("chat.outcome", metrics.OutcomeCancelled))
		return result, nil

	case upstreamErr != nil:
		err := upstreamError(upstreamCtx, upstreamErr)
		s.logger.Error("Stream failed",
			"user_id", opts.UserID,
			"conversation_id", conversationID,
			"fragments", result.Fragments,
			"error", err,
		)
		s.metrics.Exchange(metrics.ModeStreaming, metrics.OutcomeFailed, time.Since(start))
		s.logAssistantMessage(opts.Options, conversationID, result.Text, result.Fragments, true, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		return result, err
	}

	s.persistAssistant(ctx, opts.UserID, conversationID, result.Text)
	s.metrics.Exchange(metrics.ModeStreaming, metrics.OutcomeCompleted, time.Since(start))
	s.logAssistantMessage(opts.Options, conversationID, result.Text, result.Fragments, false, "")
	span.SetAttributes(attribute.String("chat.outcome", metrics.OutcomeCompleted))
	return result, nil
}

// CancelStream stops the active stream of a conversation owned by userID.
// It returns false when no stream is active.
func (s *Service) CancelStream(ctx context.Context, userID, conversationID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrUnauthenticated
	}
	if conversationID == "" {
		return false, fmt.Errorf("%w: conversationId is required", domain.ErrInvalidRequest)
	}

	conv, err := s.repo.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return false, domain.ErrConversationNotFound
	}

	ok, err := s.registry.Cancel(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("cancel stream: %w", err)
	}
	s.metrics.CancelRequest(ok)
	s.logger.Info("Cancel requested", "user_id", userID, "conversation_id", conversationID, "found", ok)
	return ok, nil
}

// persistInbound creates or extends the conversation before any upstream call.
func (s *Service) persistInbound(ctx context.Context, userID, conversationID string, messages []domain.ChatMessage) (string, error) {
	now := s.now()

	if conversationID == "" {
		conv := &domain.Conversation{
			ID:        uuid.NewString(),
			OwnerID:   userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		conv.SetTitle(firstUserContent(messages))

		seed := make([]*domain.Message, 0, len(messages))
		for _, m := range messages {
			if m.Role != domain.RoleUser && m.Role != domain.RoleSystem {
				continue
			}
			seed = append(seed, newMessage(conv.ID, m.Role, m.Content, now))
		}
		if err := s.repo.CreateConversation(ctx, conv, seed); err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		s.logger.Info("Conversation created", "user_id", userID, "conversation_id", conv.ID, "seed_messages", len(seed))
		return conv.ID, nil
	}

	conv, err := s.repo.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return "", domain.ErrConversationNotFound
	}

	last := messages[len(messages)-1]
	if err := s.repo.AppendMessages(ctx, conv.ID, []*domain.Message{
		newMessage(conv.ID, last.Role, last.Content, now),
	}); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}
	return conv.ID, nil
}

// persistAssistant saves the reply on a context detached from the request.
// Failures are logged only: the user has already seen the text.
func (s *Service) persistAssistant(ctx context.Context, userID, conversationID, text string) {
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	msg := newMessage(conversationID, domain.RoleAssistant, text, s.now())
	if err := s.repo.AppendMessages(persistCtx, conversationID, []*domain.Message{msg}); err != nil {
		s.logger.Error("Failed to persist assistant message",
			"user_id", userID,
			"conversation_id", conversationID,
			"content_length", len(text),
			"error", err,
		)
	}
}

func (s *Service) logUserMessage(opts Options, conversationID string, messages []domain.ChatMessage) {
	s.audit.Log(audit.Event{
		UserID:         opts.UserID,
		ConversationID: conversationID,
		Channel:        opts.Channel,
		Direction:      "outbound",
		EventType:      "chat_user_message",
		ContentRaw:     messages[len(messages)-1].Content,
		Meta: map[string]any{
			"history_length": len(messages),
			"new":            opts.ConversationID == "",
		},
	})
}

func (s *Service) logAssistantMessage(opts Options, conversationID, content string, chunks int, partial bool, reason string) {
	s.audit.Log(audit.Event{
		UserID:         opts.UserID,
		ConversationID: conversationID,
		Channel:        opts.Channel,
		Direction:      "inbound",
		EventType:      "chat_assistant_message",
		ContentRaw:     content,
		Meta: map[string]any{
			"stream_chunks": chunks,
			"partial":       partial,
			"end_reason":    reason,
		},
	})
}

func upstreamError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStreamTimeout) {
		return fmt.Errorf("%w: %w", domain.ErrUpstream, errStreamTimeout)
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
}

func newMessage(conversationID string, role domain.Role, content string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
}

func firstUserContent(messages []domain.ChatMessage) string {
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			return m.Content
		}
	}
	return ""
}
