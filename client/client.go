// Package client calls a RecallKit server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/server"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("recallkit: %d %s", e.StatusCode, e.Message)
}

// Client is a recall API client for one developer key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recall sends the conversation for userID and returns the formatted
// memories relevant to its last message.
func (c *Client) Recall(ctx context.Context, userID string, messages []core.Message) (string, error) {
	var resp server.RecallResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/recall", server.RecallRequest{UserID: userID, Messages: messages}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Memories, nil
}

// Status returns the memory count for userID.
func (c *Client) Status(ctx context.Context, userID string) (*server.StatusResponse, error) {
	var resp server.StatusResponse
	path := "/api/v1/recall?userId=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Memories lists the stored memories of userID.
func (c *Client) Memories(ctx context.Context, userID string) ([]server.MemoryView, error) {
	var resp struct {
		Memories []server.MemoryView `json:"memories"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/memories/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recallkit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("recallkit: decode response: %w", err)
	}
	return nil
}
