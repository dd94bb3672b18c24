package cli

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

	"github.com/clawinfra/mealsync/internal/api"
	"github.com/clawinfra/mealsync/internal/history"
	"github.com/clawinfra/mealsync/internal/scheduler"
	"github.com/clawinfra/mealsync/internal/types"
)

// Client talks to the local API of a running mealsync daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon listening at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	// 422 carries a SubmitResponse the caller wants to see.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Status returns connectivity and the pending count.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var st api.StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Queue returns the pending actions.
func (c *Client) Queue(ctx context.Context) (api.QueueResponse, error) {
	var q api.QueueResponse
	_, err := c.do(ctx, http.MethodGet, "/api/queue", nil, &q)
	return q, err
}

// Submit sends a mutation through the daemon's dispatcher.
func (c *Client) Submit(ctx context.Context, t types.ActionType, payload any, deferOnly bool) (api.SubmitResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return api.SubmitResponse{}, fmt.Errorf("marshal payload: %w", err)
	}
	var out api.SubmitResponse
	_, err = c.do(ctx, http.MethodPost, "/api/actions", api.SubmitRequest{
		Type:    t,
		Payload: raw,
		Defer:   deferOnly,
	}, &out)
	return out, err
}

// Sync asks the daemon to drain its queue now.
func (c *Client) Sync(ctx context.Context) (types.Summary, error) {
	var s types.Summary
	_, err := c.do(ctx, http.MethodPost, "/api/sync", nil, &s)
	return s, err
}

// Clear drops every pending action and returns how many were dropped.
func (c *Client) Clear(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/queue", nil, &out)
	return out.Cleared, err
}

// Jobs lists the daemon's scheduled jobs.
func (c *Client) Jobs(ctx context.Context) ([]scheduler.Job, error) {
	var jobs []scheduler.Job
	_, err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &jobs)
	return jobs, err
}

// RunJob triggers a scheduled job immediately.
func (c *Client) RunJob(ctx context.Context, id string) error {
	var out struct {
		Error string `json:"error"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/run", nil, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("job %s: %s", id, out.Error)
	}
	return nil
}

// SetOnline reports a connectivity change to a daemon in manual mode.
func (c *Client) SetOnline(ctx context.Context, online bool) (changed bool, err error) {
	var out struct {
		Changed bool `json:"changed"`
	}
	_, err = c.do(ctx, http.MethodPut, "/api/connectivity", map[string]bool{"online": online}, &out)
	return out.Changed, err
}

// History returns up to limit recent sync attempts, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	var entries []history.Entry
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/history?limit=%d", limit), nil, &entries)
	return entries, err
}
