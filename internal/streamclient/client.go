package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/wire"
)

const (
	endpointChat          = "/api/chat"
	endpointChatStream    = "/api/chat/stream"
	endpointChatCancel    = "/api/chat/cancel"
	endpointConversations = "/api/conversations"
)

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("chat api: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the chat API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Reply is a complete, non-streamed answer.
type Reply struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// Client talks to the chat API.
type Client struct {
	http    *http.Client
	server  string
	token   string
	framing wire.Framing
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithFraming selects the stream framing requested from the server.
func WithFraming(f wire.Framing) Option {
	return func(c *Client) { c.framing = f }
}

// New creates a client for the server at base URL server.
func New(server string, opts ...Option) (*Client, error) {
	normalized, err := normalizeServerURL(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	// The jar keeps the anonymous identity cookie between calls.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := &Client{
		http:    &http.Client{Jar: jar},
		server:  normalized,
		framing: wire.FramingText,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// normalizeServerURL ensures a scheme and strips any trailing slash.
func normalizeServerURL(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", server)
	}
	return strings.TrimRight(fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path), "/"), nil
}

type chatRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	ConversationID string               `json:"conversationId,omitempty"`
}

// Stream sends messages and relays the streamed reply to onText. Cancelling
// ctx aborts the read and yields Result.Aborted.
func (c *Client) Stream(ctx context.Context, messages []domain.ChatMessage, conversationID string, onText func(string)) (*Result, error) {
	path := endpointChatStream
	if c.framing == wire.FramingNDJSON {
		path += "?format=ndjson"
	}

	resp, err := c.do(ctx, http.MethodPost, path, chatRequest{Messages: messages, ConversationID: conversationID})
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Aborted: true}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return Consume(ctx, resp.Body, c.framing, onText)
}

// Complete sends messages and waits for the whole reply.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage, conversationID string) (*Reply, error) {
	var reply Reply
	if err := c.doJSON(ctx, http.MethodPost, endpointChat, chatRequest{Messages: messages, ConversationID: conversationID}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Cancel stops the active stream of a conversation. It returns false when no
// stream was running.
func (c *Client) Cancel(ctx context.Context, conversationID string) (bool, error) {
	err := c.doJSON(ctx, http.MethodPost, endpointChatCancel, map[string]string{"conversationId": conversationID}, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListConversations lists the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]domain.Conversation, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))

	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpointConversations+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation returns one conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*domain.ConversationWithMessages, error) {
	var conv domain.ConversationWithMessages
	if err := c.doJSON(ctx, http.MethodGet, endpointConversations+"/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation deletes one conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, endpointConversations+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.do(reqCtx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
