// Package memoryclient talks to the external vector-memory service that
// personalizes prompt answers. Memories are advisory: callers degrade
// gracefully when the service is down, they never fail a conversation
// over it.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout is the default HTTP timeout for memory requests.
const DefaultTimeout = 10 * time.Second

// Memory is one stored fact about a user.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config configures a Client. BaseURL is required.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP client for the vector-memory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a memory client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("memoryclient: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type addRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

type searchRequest struct {
	UserID string `json:"userId"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
}

type searchResponse struct {
	Memories []Memory `json:"memories"`
}

// Add stores a new memory for a user.
func (c *Client) Add(ctx context.Context, userID, content string) (Memory, error) {
	if userID == "" || content == "" {
		return Memory{}, fmt.Errorf("memoryclient: user id and content are required")
	}
	var mem Memory
	err := c.do(ctx, http.MethodPost, "/v1/memories", addRequest{UserID: userID, Content: content}, &mem)
	if err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}
	return mem, nil
}

// Search returns the memories most relevant to a query, best match first.
func (c *Client) Search(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("memoryclient: user id is required")
	}
	if limit <= 0 {
		limit = 5
	}
	var resp searchResponse
	err := c.do(ctx, http.MethodPost, "/v1/memories/search", searchRequest{UserID: userID, Query: query, Limit: limit}, &resp)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return resp.Memories, nil
}

// Delete removes one memory by id.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("memoryclient: memory id is required")
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("memory service status %d: %s", resp.StatusCode, string(raw))
	}

	if dest != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
