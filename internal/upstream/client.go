// Package upstream submits check-ins to the provider's record endpoint.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/browser"
)

const (
	appReferer  = "https://appservice.qq.com/1110276759"
	pageReferer = "https://appservice.qq.com/1110276759/8.10.1.7/page-frame.html"

	maxBodyBytes = 1 << 20
)

// Response is the raw upstream reply. Non-2xx statuses are not errors;
// the body is classified like any other.
type Response struct {
	StatusCode int
	Body       string
}

// Client posts check-in payloads
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a client for the given endpoint
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Submit posts payload with the bearer credential and the per-request
// signature. The payload must carry a ThreadId.
func (c *Client) Submit(ctx context.Context, payload, token, signature string) (*Response, error) {
	if _, err := ThreadID(payload); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browser.UserAgent)
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("x-api-request-payload", signature)
	req.Header.Set("x-api-request-referer", appReferer)
	req.Header.Set("x-api-request-mode", "cors")
	req.Header.Set("referer", pageReferer)
	req.Header.Set("platform", "qq")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
