package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

const (
	submitTimeout = 120 * time.Second
	statusTimeout = 20 * time.Second
	cancelTimeout = 15 * time.Second

	submitAttempts = 3
	submitBackoff  = 500 * time.Millisecond
)

// ErrUpstream wraps non-retryable provider rejections.
var ErrUpstream = errors.New("provider rejected request")

// SubmitParams is the generation request sent upstream.
type SubmitParams struct {
	ModelVersion string          `json:"version"`
	Input        json.RawMessage `json:"input"`
	WebhookURL   string          `json:"webhook,omitempty"`
}

// Submission is the upstream's acknowledgment of a queued prediction.
type Submission struct {
	ProviderID string
	Status     string
	LatencyMS  int64
}

// Client is the upstream generation API boundary.
type Client interface {
	Submit(ctx context.Context, p SubmitParams) (*Submission, error)
	GetStatus(ctx context.Context, providerID string) (*Signal, error)
	Cancel(ctx context.Context, providerID string) error
}

// HTTPClient talks to a replicate-style predictions API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: submitTimeout},
		logger:  logger,
	}
}

var _ Client = (*HTTPClient)(nil)

// Submit queues a prediction upstream. 429 and 5xx responses are retried
// with exponential backoff; anything else 4xx fails immediately.
func (c *HTTPClient) Submit(ctx context.Context, p SubmitParams) (*Submission, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal submit payload: %w", err)
	}

	start := time.Now()
	var sub *Submission
	backoff := retry.WithMaxRetries(submitAttempts-1, retry.NewExponential(submitBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		raw, status, err := c.do(ctx, http.MethodPost, "/predictions", bytes.NewReader(body), submitTimeout)
		if err != nil {
			return retry.RetryableError(err)
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			return retry.RetryableError(fmt.Errorf("upstream status %d", status))
		}
		if status >= 400 {
			return fmt.Errorf("%w: status %d: %s", ErrUpstream, status, truncate(raw, 200))
		}
		sub = &Submission{
			ProviderID: gjson.GetBytes(raw, "id").String(),
			Status:     gjson.GetBytes(raw, "status").String(),
			LatencyMS:  time.Since(start).Milliseconds(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit prediction: %w", err)
	}
	if sub.ProviderID == "" {
		return nil, fmt.Errorf("%w: response missing prediction id", ErrUpstream)
	}
	return sub, nil
}

// GetStatus fetches the current prediction state for polling.
func (c *HTTPClient) GetStatus(ctx context.Context, providerID string) (*Signal, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/predictions/"+providerID, nil, statusTimeout)
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, status)
	}
	return ParseSignal(raw), nil
}

// Cancel is best effort; upstream errors are logged and swallowed.
func (c *HTTPClient) Cancel(ctx context.Context, providerID string) error {
	raw, status, err := c.do(ctx, http.MethodPost, "/predictions/"+providerID+"/cancel", nil, cancelTimeout)
	if err != nil {
		c.logger.Warn("provider cancel failed", "provider_id", providerID, "error", err)
		return nil
	}
	if status >= 400 {
		c.logger.Warn("provider cancel rejected", "provider_id", providerID, "status", status, "body", truncate(raw, 200))
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
