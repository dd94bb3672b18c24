// Package syncproto implements the client side of the batch sync wire
// protocol: one POST carrying every pending action, answered with exactly one
// acknowledgment per action.
package syncproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/clawinfra/mealsync/internal/types"
)

// DefaultPath is the batch endpoint path served by the reference authority.
const DefaultPath = "/api/sync/batch"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// StatusError is returned for any non-2xx response. The body is kept for
// diagnostics only; it is never parsed for partial results.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether the failure may succeed on resend. Client errors
// other than 408/429 will not.
func (e *StatusError) retryable() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	Endpoint    string        // full URL of the batch endpoint
	AuthToken   string        // bearer token, optional
	Timeout     time.Duration // per-request timeout, default 30s
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // backoff base, default 100ms
}

// Client posts batches to the remote authority.
type Client struct {
	endpoint   string
	baseDelay  time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.RWMutex
	authToken   string
	timeout     time.Duration
	maxAttempts int
}

// NewClient creates a batch client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	return &Client{
		endpoint:    opts.Endpoint,
		authToken:   opts.AuthToken,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		httpClient:  &http.Client{},
		logger:      logger.With("component", "syncproto"),
	}
}

// SetAuthToken replaces the bearer token used for subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

// SetLimits replaces the per-request timeout and the attempt budget for
// subsequent batches. Non-positive values leave the current setting.
func (c *Client) SetLimits(timeout time.Duration, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.timeout = timeout
	}
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

func (c *Client) limits() (time.Duration, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout, c.maxAttempts
}

// SubmitBatch sends actions as a single batch. Resending is safe because the
// authority is idempotent per action id, so transport errors and 5xx
// responses are retried with exponential backoff.
func (c *Client) SubmitBatch(ctx context.Context, actions []types.QueuedAction) ([]types.SyncResult, error) {
	body, err := json.Marshal(types.BatchRequest{Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	timeout, maxAttempts := c.limits()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// 100ms, 200ms, 400ms, ...
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseDelay
			c.logger.Debug("retrying batch", "attempt", attempt+1, "delay", delay)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.post(ctx, body, timeout)
		if err == nil {
			return resp.Results, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("batch request failed", "attempt", attempt+1, "actions", len(actions), "error", err)
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, timeout time.Duration) (*types.BatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var resp types.BatchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}
