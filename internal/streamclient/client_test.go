package streamclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithToken("tok"))
	require.NoError(t, err)
	return c
}

func userTurn(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}
}

func TestNormalizeServerURL(t *testing.T) {
	got, err := normalizeServerURL("localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got)

	got, err = normalizeServerURL("https://tutor.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "https://tutor.example.com/base", got)

	_, err = normalizeServerURL("http://")
	assert.Error(t, err)
}

func TestClientStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ConversationID)

		w.Header().Set("Content-Type", wire.ContentTypeText)
		_, _ = w.Write([]byte("Hi"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(" there"))
		_, _ = w.Write(wire.TextMetadata("c1"))
	})
	c := newAPI(t, mux)

	var shown string
	res, err := c.Stream(context.Background(), userTurn("hello"), "c1", func(s string) { shown += s })
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, "Hi there", shown)
	assert.Equal(t, "c1", res.ConversationID)
}

func TestClientStreamNDJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ndjson", r.URL.Query().Get("format"))
		_, _ = w.Write(wire.Frame{Type: wire.FrameContent, Content: "ok"}.Line())
		_, _ = w.Write(wire.Frame{Type: wire.FrameMetadata, ConversationID: "c9"}.Line())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithFraming(wire.FramingNDJSON))
	require.NoError(t, err)

	res, err := c.Stream(context.Background(), userTurn("hello"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "c9", res.ConversationID)
}

func TestClientStreamRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"conversation not found"}`))
	})
	c := newAPI(t, mux)

	_, err := c.Stream(context.Background(), userTurn("hello"), "missing", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "conversation not found")
}

func TestClientStreamAbort(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	c := newAPI(t, mux)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	res, err := c.Stream(ctx, userTurn("hello"), "", func(string) { cancel() })
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, "partial", res.Text)
}

func TestClientCancel(t *testing.T) {
	active := true
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if active {
			active = false
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"No active stream found for this conversation"}`))
	})
	c := newAPI(t, mux)

	ok, err := c.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientConversations(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"conversations": []domain.Conversation{{ID: "c1", Title: "Cells", UpdatedAt: now}},
		})
	})
	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.ConversationWithMessages{
			Conversation: domain.Conversation{ID: r.PathValue("id")},
			Messages:     []*domain.Message{{Role: domain.RoleUser, Content: "q"}},
		})
	})
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"answer","conversationId":"c2"}`))
	})
	c := newAPI(t, mux)
	ctx := context.Background()

	list, err := c.ListConversations(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Cells", list[0].Title)

	conv, err := c.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	require.Len(t, conv.Messages, 1)

	require.NoError(t, c.DeleteConversation(ctx, "c1"))

	reply, err := c.Complete(ctx, userTurn("q"), "")
	require.NoError(t, err)
	assert.Equal(t, &Reply{Text: "answer", ConversationID: "c2"}, reply)
}
