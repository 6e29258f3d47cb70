// Package client provides a REST client for the annolab server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client talks to the annolab HTTP API.
type Client struct {
	baseURL    string
	chunkSize  int64
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, the ANNOLAB_SERVER_URL env var
// is used, falling back to localhost. The timeout can be configured via
// ANNOLAB_CLIENT_TIMEOUT (default 10 minutes, uploads can be slow).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("ANNOLAB_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("ANNOLAB_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    baseURL,
		chunkSize:  4 << 20,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetChunkSize overrides the upload chunk size.
func (c *Client) SetChunkSize(n int64) {
	if n > 0 {
		c.chunkSize = n
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Retryable reports whether the request may be retried. Client mistakes
// (4xx) never are; the request will not get better by repeating it.
func (e *APIError) Retryable() bool {
	return e.Status >= 500
}

// Job mirrors the server's job representation.
type Job struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	Progress        *Progress  `json:"progress,omitempty"`
	Result          *Result    `json:"result,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Progress is a job's advisory progress.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Result is a job's structured outcome.
type Result struct {
	Saved          int            `json:"saved,omitempty"`
	Skipped        int            `json:"skipped,omitempty"`
	SkippedDetails map[string]int `json:"skipped_details,omitempty"`
	Embedded       int            `json:"embedded,omitempty"`
	Evaluated      int            `json:"evaluated,omitempty"`
	ErrorCount     int            `json:"error_count,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// QueueStats is the aggregate queue state.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// IngestRequest submits a CSV ingestion job.
type IngestRequest struct {
	ProjectID   string   `json:"project_id"`
	Environment string   `json:"environment,omitempty"`
	FileName    string   `json:"file_name,omitempty"`
	Source      string   `json:"source,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Embed       bool     `json:"embed,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

// EnqueueIngest submits an ingestion job.
func (c *Client) EnqueueIngest(ctx context.Context, req IngestRequest) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/ingest", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches the most recent jobs.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	path := "/api/jobs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CancelJob requests cooperative cancellation.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/cancel", nil, nil)
}

// RetryJob resets a job for another run.
func (c *Client) RetryJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/retry", nil, nil)
}

// Stats fetches the queue statistics.
func (c *Client) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &stats)
	return stats, err
}

// do executes one API request. Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: apiMessage(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// doRaw sends a non-JSON body (upload chunks).
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: apiMessage(respBody)}
	}
	return nil
}

func apiMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}
