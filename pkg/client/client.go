package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts  = 30
	DefaultPollInterval = time.Second
)

var (
	// ErrPollTimeout is returned by Wait when the job is still pending after
	// the last attempt.
	ErrPollTimeout = errors.New("job did not finish in time")
	ErrNotFound    = errors.New("job not found")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"
)

type Job struct {
	JobID       string     `json:"job_id"`
	Status      Status     `json:"status"`
	Done        bool       `json:"done"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

type Submission struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat-queue api error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to the JSON job endpoints of a chat-queue server.
type Client struct {
	baseURL     string
	http        *http.Client
	maxAttempts int
	interval    time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithPolling sets how many times Wait polls and how long it sleeps between
// polls.
func WithPolling(maxAttempts int, interval time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if interval > 0 {
			c.interval = interval
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Submit(ctx context.Context, message string) (*Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", map[string]string{"message": message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the current state of a job. Unknown or expired ids return
// ErrNotFound.
func (c *Client) Status(ctx context.Context, id string) (*Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls until the job is completed or failed. A failed job is returned
// without error; callers check Job.Status.
func (c *Client) Wait(ctx context.Context, id string) (*Job, error) {
	for attempt := 1; ; attempt++ {
		job, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done {
			return job, nil
		}
		if attempt >= c.maxAttempts {
			return job, fmt.Errorf("%w: %s still %s after %d attempts", ErrPollTimeout, id, job.Status, attempt)
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

func (c *Client) Stats(ctx context.Context) (int64, error) {
	var out struct {
		Queued int64 `json:"queued"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &out); err != nil {
		return 0, err
	}
	return out.Queued, nil
}

// ProcessQueue asks the server to drain queued jobs synchronously.
func (c *Client) ProcessQueue(ctx context.Context) (int, error) {
	var out struct {
		Processed int `json:"processed"`
	}
	if err := c.do(ctx, http.MethodPost, "/process-queue", nil, &out); err != nil {
		return 0, err
	}
	return out.Processed, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
