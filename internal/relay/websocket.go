package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/studyhub/internal/chat"
	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/identity"
	"github.com/ashureev/studyhub/internal/wire"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is an inbound WebSocket frame.
type wsMessage struct {
	Type           string               `json:"type"`
	Messages       []domain.ChatMessage `json:"messages,omitempty"`
	ConversationID string               `json:"conversationId,omitempty"`
}

// wsSession tracks the single exchange a connection may run at a time.
type wsSession struct {
	mu             sync.Mutex
	busy           bool
	conversationID string
}

func (s *wsSession) begin(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.conversationID = conversationID
	return true
}

func (s *wsSession) ready(conversationID string) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.mu.Unlock()
}

func (s *wsSession) end() {
	s.mu.Lock()
	s.busy = false
	s.conversationID = ""
	s.mu.Unlock()
}

func (s *wsSession) active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID, s.busy
}

// HandleWebSocket serves /ws/chat. Each "chat" frame runs one streamed
// exchange; "cancel" stops it; closing the socket counts as a disconnect.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.maxBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		wg      sync.WaitGroup
		session wsSession
	)
	defer wg.Wait()

	slog.Info("Chat WebSocket connected", "user_id", userID, "ip", identity.IPFromRequest(r))
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			cancel()
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeFrame(ws, wire.Frame{Type: wire.FrameError, Error: "invalid message", Status: http.StatusBadRequest})
			continue
		}

		switch msg.Type {
		case wire.FrameChat:
			if !session.begin(msg.ConversationID) {
				h.writeFrame(ws, wire.Frame{
					Type:           wire.FrameError,
					Error:          "a response is already streaming on this connection",
					ConversationID: msg.ConversationID,
					Status:         http.StatusConflict,
				})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer session.end()
				h.runExchange(ctx, ws, userID, msg, &session)
			}()
		case wire.FrameCancel:
			h.cancelExchange(ctx, ws, userID, msg.ConversationID, &session)
		case wire.FramePing:
			h.writeFrame(ws, wire.Frame{Type: wire.FramePong})
		default:
			h.writeFrame(ws, wire.Frame{Type: wire.FrameError, Error: "unknown message type", Status: http.StatusBadRequest})
		}
	}
}

func (h *Handler) runExchange(ctx context.Context, ws *websocket.Conn, userID string, msg wsMessage, session *wsSession) {
	opened := false
	result, err := h.svc.RespondStreaming(ctx, msg.Messages,
		func(fragment string) {
			h.writeFrame(ws, wire.Frame{Type: wire.FrameContent, Content: fragment})
		},
		chat.StreamOptions{
			Options: chat.Options{UserID: userID, ConversationID: msg.ConversationID, Channel: "chat_ws"},
			OnReady: func(conversationID string) {
				opened = true
				session.ready(conversationID)
			},
		},
	)
	if err != nil {
		frame := wire.Frame{Type: wire.FrameError, Error: wire.ErrorMessage, ConversationID: msg.ConversationID}
		if !opened {
			frame.Status, frame.Error = statusFor(err)
			if frame.Status >= http.StatusInternalServerError {
				slog.Error("Chat exchange failed", "user_id", userID, "error", err)
			}
		} else {
			slog.Warn("Chat exchange ended with upstream error", "user_id", userID, "error", err)
		}
		h.writeFrame(ws, frame)
		return
	}
	h.writeFrame(ws, wire.Frame{Type: wire.FrameMetadata, ConversationID: result.ConversationID})
}

func (h *Handler) cancelExchange(ctx context.Context, ws *websocket.Conn, userID, conversationID string, session *wsSession) {
	if conversationID == "" {
		conversationID, _ = session.active()
	}
	if conversationID == "" {
		h.writeFrame(ws, wire.Frame{Type: wire.FrameError, Error: msgNoActiveStream, Status: http.StatusNotFound})
		return
	}
	ok, err := h.svc.CancelStream(ctx, userID, conversationID)
	if err != nil || !ok {
		h.writeFrame(ws, wire.Frame{Type: wire.FrameError, Error: msgNoActiveStream, ConversationID: conversationID, Status: http.StatusNotFound})
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeFrame(ws *websocket.Conn, f wire.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("failed to encode websocket frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "type", f.Type, "error", err)
	}
}
