package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a forkchat server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	decoderOps []DecoderOption
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout for non-streaming requests.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if client.httpClient == nil {
			client.httpClient = &http.Client{}
		}
		client.httpClient.Timeout = d
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) ClientOption {
	return func(client *Client) {
		client.token = token
	}
}

// WithDecoderOptions passes options through to every stream decoder the
// client creates.
func WithDecoderOptions(opts ...DecoderOption) ClientOption {
	return func(client *Client) {
		client.decoderOps = append(client.decoderOps, opts...)
	}
}

// NewClient creates a new client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest is the body of POST /chat.
type SubmitRequest struct {
	ChatID   string     `json:"chatId"`
	Messages []*Message `json:"messages"`
	IsFork   bool       `json:"isFork,omitempty"`
	ForkID   string     `json:"forkId,omitempty"`
}

// EditRequest is the body of PATCH /chat/edit.
type EditRequest struct {
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	IsFork     bool   `json:"isFork,omitempty"`
	ForkID     string `json:"forkId,omitempty"`
}

// UpdateForkRequest is the body of PATCH /fork.
type UpdateForkRequest struct {
	ID     string     `json:"id"`
	Status ForkStatus `json:"status"`
}

// Submit posts the conversation and streams the assistant's reply into
// conv: it appends a fresh in-flight assistant message, then decodes
// frames until the stream terminates or ctx is canceled. It returns the
// sealed decoder for finish metadata.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest, conv *Conversation) (*Decoder, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	// No client timeout on the streaming call; lifetime is ctx's.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}

	assistant := &Message{ID: NewID(), Role: RoleAssistant}
	conv.Append(assistant)

	dec := NewDecoder(conv, assistant.ID, c.decoderOps...)
	if err := dec.Run(ctx, resp.Body); err != nil {
		return dec, fmt.Errorf("decode stream: %w", err)
	}
	return dec, nil
}

// EditMessage persists an edit (direct or fork) on the server.
func (c *Client) EditMessage(ctx context.Context, req *EditRequest) error {
	return c.doRequest(ctx, http.MethodPatch, "/chat/edit", req, nil)
}

// CreateFork persists a fork record; the server assigns no fields, the
// fork travels whole.
func (c *Client) CreateFork(ctx context.Context, fork *Fork) (*Fork, error) {
	var result Fork
	if err := c.doRequest(ctx, http.MethodPost, "/fork", fork, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateForkStatus transitions a fork's status on the server.
func (c *Client) UpdateForkStatus(ctx context.Context, forkID string, status ForkStatus) (*Fork, error) {
	var result Fork
	req := &UpdateForkRequest{ID: forkID, Status: status}
	if err := c.doRequest(ctx, http.MethodPatch, "/fork", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetFork retrieves a fork record.
func (c *Client) GetFork(ctx context.Context, forkID string) (*Fork, error) {
	var result Fork
	if err := c.doRequest(ctx, http.MethodGet, "/fork/"+forkID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ChatRecord is the persisted form of a conversation.
type ChatRecord struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Messages  []*Message `json:"messages"`
}

// GetChat retrieves a chat record.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatRecord, error) {
	var result ChatRecord
	if err := c.doRequest(ctx, http.MethodGet, "/chat/"+chatID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteChat removes a chat and its forks.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/chat?id="+chatID, nil, nil)
}

// Health checks the server health.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doRequest performs a non-streaming request and decodes the JSON
// response into result when non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
