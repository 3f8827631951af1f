package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures a Client.
type Config struct {
	// URL is the full endpoint, e.g. http://localhost:11434/api/chat.
	URL   string
	Model string
	// SystemPrompt is sent as the first message of every request.
	SystemPrompt string
	// Timeout bounds a whole request including the streamed body.
	// Defaults to 30s.
	Timeout time.Duration
}

// Client queries the model endpoint. The zero value is not usable; call
// NewClient and then Setup.
type Client struct {
	cfg Config

	mu   sync.RWMutex
	http *http.Client
}

// NewClient returns an uninitialized client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

// Setup opens the HTTP session. Calling it twice is harmless.
func (c *Client) Setup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
}

// Close releases the HTTP session. Subsequent queries fail with
// ErrUninitialized until Setup is called again.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Query sends prompt as the user message and returns the aggregated reply,
// or Placeholder when the stream carried no content.
func (c *Client) Query(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("llm: empty prompt")
	}

	c.mu.RLock()
	hc := c.http
	c.mu.RUnlock()
	if hc == nil {
		return "", ErrUninitialized
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: RoleSystem, Content: c.cfg.SystemPrompt},
			{Role: RoleUser, Content: prompt},
		},
		Stream: true,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	resp, err := hc.Do(req)
	if err != nil {
		return "", c.wrap(ctx, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &UpstreamError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}

	reply, err := aggregate(resp.Body)
	if err != nil {
		return "", c.wrap(ctx, resp.StatusCode, err)
	}
	return reply, nil
}

// wrap turns a transport error into an UpstreamError unless the caller's own
// context ended, in which case the context error is passed through so the
// query is not retried.
func (c *Client) wrap(ctx context.Context, status int, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("llm: %w", ctx.Err())
	}
	return &UpstreamError{StatusCode: status, Err: err}
}
