package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/studyhub/internal/chat"
	"github.com/ashureev/studyhub/internal/config"
	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/identity"
	"github.com/ashureev/studyhub/internal/wire"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxRequestBodySize = 1 << 20 // 1MB
	defaultKeepaliveInterval  = 10 * time.Second
)

// ChatService is the chat capability every transport adapts.
type ChatService interface {
	Respond(ctx context.Context, messages []domain.ChatMessage, opts chat.Options) (*chat.Reply, error)
	RespondStreaming(ctx context.Context, messages []domain.ChatMessage, onFragment func(string), opts chat.StreamOptions) (*chat.StreamResult, error)
	CancelStream(ctx context.Context, userID, conversationID string) (bool, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (*domain.ConversationWithMessages, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
}

var _ ChatService = (*chat.Service)(nil)

// chatRequest is the body of the chat endpoints.
type chatRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	ConversationID string               `json:"conversationId,omitempty"`
}

type cancelRequest struct {
	ConversationID string `json:"conversationId"`
}

// Handler serves the chat HTTP endpoints.
type Handler struct {
	svc               ChatService
	keepaliveInterval time.Duration
	maxBodySize       int64
	allowedOrigin     string
	isDev             bool
}

// NewHandler creates a relay handler. A nil cfg uses defaults.
func NewHandler(svc ChatService, cfg *config.Config) *Handler {
	h := &Handler{
		svc:               svc,
		keepaliveInterval: defaultKeepaliveInterval,
		maxBodySize:       defaultMaxRequestBodySize,
		isDev:             true,
	}
	if cfg != nil {
		h.keepaliveInterval = cfg.Stream.KeepaliveInterval
		h.maxBodySize = cfg.Stream.MaxRequestBodySize
		h.allowedOrigin = cfg.FrontendURL
		h.isDev = cfg.IsDevelopment()
	}
	return h
}

// RegisterRoutes registers the chat routes (requires identity middleware).
// limited wraps every route except the cancel endpoints, which must stay
// reachable for a user who is being throttled.
func (h *Handler) RegisterRoutes(r chi.Router, limited ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/cancel", h.HandleCancel)
		r.Post("/conversations/{id}/cancel", h.HandleCancelConversation)

		r.Group(func(r chi.Router) {
			r.Use(limited...)

			r.Get("/me", h.GetMe)
			r.Get("/config", h.GetConfig)

			r.Post("/chat", h.HandleRespond)
			r.Post("/chat/stream", h.HandleStream)

			r.Get("/conversations", h.ListConversations)
			r.Get("/conversations/{id}", h.GetConversation)
			r.Delete("/conversations/{id}", h.DeleteConversation)
		})
	})
	r.With(limited...).Get("/ws/chat", h.HandleWebSocket)
}

// HandleStream handles POST /api/chat/stream.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	f := framerFor(r)
	sw := newStreamWriter(w, flusher, f)
	defer sw.close()

	slog.Info("Chat stream request",
		"user_id", userID,
		"conversation_id", req.ConversationID,
		"messages", len(req.Messages),
		"request_id", reqID,
	)

	result, err := h.svc.RespondStreaming(r.Context(), req.Messages,
		func(fragment string) {
			if err := sw.writeContent(f.content(fragment)); err != nil {
				slog.Debug("dropping fragment for closed stream", "user_id", userID, "error", err)
			}
		},
		chat.StreamOptions{
			Options: chat.Options{UserID: userID, ConversationID: req.ConversationID, Channel: "chat_stream"},
			OnReady: func(string) {
				sw.open()
				go sw.keepalive(h.keepaliveInterval)
			},
		},
	)

	if !sw.isOpen() {
		writeServiceError(w, r, err)
		return
	}

	if err != nil {
		slog.Warn("Chat stream ended with upstream error", "user_id", userID, "request_id", reqID, "error", err)
		if writeErr := sw.write(f.failure()); writeErr != nil {
			slog.Debug("failed to write error notice", "error", writeErr)
		}
		return
	}

	if writeErr := sw.write(f.metadata(result.ConversationID)); writeErr != nil {
		slog.Debug("failed to write stream metadata", "conversation_id", result.ConversationID, "error", writeErr)
	}
	slog.Info("Chat stream finished",
		"user_id", userID,
		"conversation_id", result.ConversationID,
		"fragments", result.Fragments,
		"cancelled", result.Cancelled,
	)
}

// HandleRespond handles POST /api/chat.
func (h *Handler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := h.svc.Respond(r.Context(), req.Messages, chat.Options{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Channel:        "chat_http",
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// HandleCancel handles POST /api/chat/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		Error(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	h.cancel(w, r, userID, req.ConversationID)
}

// HandleCancelConversation handles POST /api/conversations/{id}/cancel.
func (h *Handler) HandleCancelConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.cancel(w, r, userID, chi.URLParam(r, "id"))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	ok, err := h.svc.CancelStream(r.Context(), userID, conversationID)
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		// Unknown and foreign conversations look the same as idle ones.
		Error(w, http.StatusNotFound, msgNoActiveStream)
	case err != nil:
		writeServiceError(w, r, err)
	case !ok:
		Error(w, http.StatusNotFound, msgNoActiveStream)
	default:
		JSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := h.svc.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// GetConversation handles GET /api/conversations/{id}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation handles DELETE /api/conversations/{id}.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.svc.DeleteConversation(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetMe returns the current user's identity.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user := &domain.User{UserID: userID}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"username":  identity.UsernameFromContext(r.Context()),
		"anonymous": user.IsAnonymous(),
	})
}

// GetConfig returns the streaming settings for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"framings":              []wire.Framing{wire.FramingText, wire.FramingNDJSON},
		"keepalive_interval_ms": h.keepaliveInterval.Milliseconds(),
		"max_body_bytes":        h.maxBodySize,
		"websocket_path":        "/ws/chat",
	})
}

// decodeChatRequest reads the body and writes the error response itself on failure.
func (h *Handler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		if errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, "request body is empty")
			return nil, false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.Messages) == 0 {
		Error(w, http.StatusBadRequest, "messages must be a non-empty list")
		return nil, false
	}
	return &req, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
