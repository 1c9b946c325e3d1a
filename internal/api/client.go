package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opencouncil/councild/internal/council"
)

// Client talks to a councild server over HTTP. Streaming calls return a
// channel of decoded progress events; the channel closes when the stream
// ends or ctx is cancelled.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the given base URL, for example
// "http://localhost:8001". The default HTTP client carries no timeout;
// turn streams are long-lived and bounded by ctx instead.
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base: base,
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateConversation starts an empty conversation.
func (c *Client) CreateConversation(ctx context.Context) (council.Conversation, error) {
	var conv council.Conversation
	err := c.call(ctx, http.MethodPost, "/api/conversations", nil, &conv)
	return conv, err
}

// ListConversations returns conversation summaries, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]council.ConversationSummary, error) {
	var out []council.ConversationSummary
	err := c.call(ctx, http.MethodGet, "/api/conversations", nil, &out)
	return out, err
}

// GetConversation fetches one conversation with its full transcript.
func (c *Client) GetConversation(ctx context.Context, id string) (council.Conversation, error) {
	var conv council.Conversation
	err := c.call(ctx, http.MethodGet, "/api/conversations/"+id, nil, &conv)
	return conv, err
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/conversations/"+id, nil, nil)
}

// SendRequest is the payload for streaming sends.
type SendRequest struct {
	Content    string `json:"content"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SkipStages bool   `json:"skip_stages,omitempty"`
}

// SendMessage submits a user message and streams the turn's progress.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (<-chan council.Event, error) {
	return c.stream(ctx, "/api/conversations/"+conversationID+"/messages/stream", req)
}

// Retry resubmits the conversation's most recent failed message.
func (c *Client) Retry(ctx context.Context, conversationID string) (<-chan council.Event, error) {
	return c.stream(ctx, "/api/conversations/"+conversationID+"/retry/stream", struct{}{})
}

// Edit replaces the turn at turnIndex with the edited content and streams
// the fresh turn.
func (c *Client) Edit(ctx context.Context, conversationID string, turnIndex int, content string) (<-chan council.Event, error) {
	body := struct {
		TurnIndex int    `json:"turn_index"`
		Content   string `json:"content"`
	}{TurnIndex: turnIndex, Content: content}
	return c.stream(ctx, "/api/conversations/"+conversationID+"/edit/stream", body)
}

// Attach reconnects to a turn already streaming in the background.
func (c *Client) Attach(ctx context.Context, conversationID string) (<-chan council.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/conversations/"+conversationID+"/events", nil)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, req)
}

func (c *Client) stream(ctx context.Context, path string, body any) (<-chan council.Event, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.open(ctx, req)
}

// open performs the request and hands the response body to the event
// decoder. The body is closed when the decode goroutine finishes.
func (c *Client) open(ctx context.Context, req *http.Request) (<-chan council.Event, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	events := make(chan council.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		for ev := range council.DecodeEvents(ctx, resp.Body) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("api: %s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("api: unexpected status %s", resp.Status)
}
