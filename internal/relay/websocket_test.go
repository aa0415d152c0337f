package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/wire"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialChat(t *testing.T, ts *testServer, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{testUserHeader: []string{user}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func chatFrame(content, conversationID string) wsMessage {
	return wsMessage{
		Type:           wire.FrameChat,
		Messages:       []domain.ChatMessage{{Role: domain.RoleUser, Content: content}},
		ConversationID: conversationID,
	}
}

func TestWebSocketExchange(t *testing.T) {
	ts := newTestServer(t, &scriptedLLM{fragments: []string{"Hel", "lo"}}, testConfig())
	conn := dialChat(t, ts, "alice")

	sendFrame(t, conn, wsMessage{Type: wire.FramePing})
	assert.Equal(t, wire.FramePong, readFrame(t, conn).Type)

	sendFrame(t, conn, chatFrame("hi", ""))
	assert.Equal(t, wire.Frame{Type: wire.FrameContent, Content: "Hel"}, readFrame(t, conn))
	assert.Equal(t, wire.Frame{Type: wire.FrameContent, Content: "lo"}, readFrame(t, conn))

	meta := readFrame(t, conn)
	assert.Equal(t, wire.FrameMetadata, meta.Type)
	assert.Equal(t, onlyConversation(t, ts.repo, "alice"), meta.ConversationID)
}

func TestWebSocketPreStreamErrorCarriesStatus(t *testing.T) {
	ts := newTestServer(t, &scriptedLLM{fragments: []string{"x"}}, testConfig())
	foreign := ts.seedConversation(t, "mallory")
	conn := dialChat(t, ts, "alice")

	sendFrame(t, conn, chatFrame("hi", foreign))
	f := readFrame(t, conn)
	assert.Equal(t, wire.FrameError, f.Type)
	assert.Equal(t, http.StatusNotFound, f.Status)
	assert.Equal(t, "conversation not found", f.Error)
}

func TestWebSocketCancel(t *testing.T) {
	ts := newTestServer(t, &scriptedLLM{fragments: []string{"a", "b"}, block: true}, testConfig())
	conn := dialChat(t, ts, "alice")

	sendFrame(t, conn, chatFrame("explain", ""))
	assert.Equal(t, "a", readFrame(t, conn).Content)
	assert.Equal(t, "b", readFrame(t, conn).Content)

	// A second exchange on the same socket is refused while one runs.
	sendFrame(t, conn, chatFrame("again", ""))
	busy := readFrame(t, conn)
	assert.Equal(t, wire.FrameError, busy.Type)
	assert.Equal(t, http.StatusConflict, busy.Status)

	sendFrame(t, conn, wsMessage{Type: wire.FrameCancel})
	meta := readFrame(t, conn)
	assert.Equal(t, wire.FrameMetadata, meta.Type)

	msgs, err := ts.repo.ListMessages(context.Background(), meta.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ab", msgs[1].Content)

	sendFrame(t, conn, wsMessage{Type: wire.FrameCancel})
	f := readFrame(t, conn)
	assert.Equal(t, wire.FrameError, f.Type)
	assert.Equal(t, msgNoActiveStream, f.Error)
}

func TestWebSocketRequiresUser(t *testing.T) {
	ts := newTestServer(t, &scriptedLLM{}, testConfig())

	resp := ts.do(t, http.MethodGet, "/ws/chat", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
