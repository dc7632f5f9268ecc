package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// API is the remote message store contract the engine consumes. The
// polling transport means every call here is an explicit suspension
// point; single-flight per resource key is enforced by the scheduler,
// not here.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, clientRef, content string) (*Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Typing(ctx context.Context, conversationID string, isTyping bool) error
}

// Client talks to the message store over HTTP with bearer auth.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		base:   baseURL,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, clientRef, content string) (*Message, error) {
	body := map[string]string{"content": content}
	if clientRef != "" {
		// Lets the server dedupe retried sends.
		body["client_ref"] = clientRef
	}
	var out Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/typing"
	return c.do(ctx, http.MethodPost, path, map[string]bool{"is_typing": isTyping}, nil)
}

// do executes one request and classifies the failure per the error
// taxonomy: cancellation → ErrStale, network/5xx/429 → TransientError,
// 400/422 → ValidationError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return ErrStale
		}
		return &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return decodeValidation(resp.Body)
	default:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
}

func decodeValidation(r io.Reader) error {
	var payload struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil || (payload.Reason == "" && payload.Error == "") {
		return &ValidationError{Reason: "rejected by server"}
	}
	reason := payload.Reason
	if reason == "" {
		reason = payload.Error
	}
	return &ValidationError{Field: payload.Field, Reason: reason}
}
