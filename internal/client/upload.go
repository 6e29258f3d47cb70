package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// maxChunkAttempts bounds retries for a single chunk.
	maxChunkAttempts = 3

	// retryBaseDelay is multiplied by the attempt number: linear backoff.
	retryBaseDelay = 500 * time.Millisecond
)

// UploadSession mirrors the server's upload session.
type UploadSession struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	TotalBytes  int64     `json:"total_bytes"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// UploadOptions configure the ingestion job started by a completed upload.
type UploadOptions struct {
	ProjectID   string   `json:"project_id"`
	Environment string   `json:"environment,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Embed       bool     `json:"embed,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// UploadFile uploads a CSV file in chunks and submits it as an ingestion
// job. Individual chunks are retried with linear backoff; a 4xx from the
// server aborts immediately since retrying cannot fix a client error.
func (c *Client) UploadFile(ctx context.Context, path string, opts UploadOptions) (*Job, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload file: %w", err)
	}
	return c.Upload(ctx, filepath.Base(path), content, opts)
}

// Upload sends in-memory content through the chunked upload flow.
func (c *Client) Upload(ctx context.Context, fileName string, content []byte, opts UploadOptions) (*Job, error) {
	totalChunks := int((int64(len(content)) + c.chunkSize - 1) / c.chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	var session UploadSession
	err := c.do(ctx, http.MethodPost, "/api/uploads", map[string]any{
		"file_name":    fileName,
		"total_bytes":  len(content),
		"total_chunks": totalChunks,
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("start upload: %w", err)
	}

	slog.Debug("upload session started",
		"session_id", session.ID, "file", fileName, "chunks", totalChunks)

	for i := range totalChunks {
		startOff := int64(i) * c.chunkSize
		end := min(startOff+c.chunkSize, int64(len(content)))
		if err := c.putChunkWithRetry(ctx, session.ID, i, content[startOff:end]); err != nil {
			c.abortUpload(session.ID)
			return nil, err
		}
	}

	var job Job
	err = c.do(ctx, http.MethodPost, "/api/uploads/"+session.ID+"/complete", opts, &job)
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &job, nil
}

// abortUpload tears down a session after a failed upload. Best effort: the
// server expires abandoned sessions anyway.
func (c *Client) abortUpload(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.doRaw(ctx, http.MethodDelete, "/api/uploads/"+sessionID, nil); err != nil {
		slog.Debug("abort upload failed", "session_id", sessionID, "error", err)
	}
}

// putChunkWithRetry sends one chunk, retrying transient failures. Waits grow
// linearly with the attempt number.
func (c *Client) putChunkWithRetry(ctx context.Context, sessionID string, index int, data []byte) error {
	path := fmt.Sprintf("/api/uploads/%s/chunks/%d", sessionID, index)

	var lastErr error
	for attempt := 1; attempt <= maxChunkAttempts; attempt++ {
		err := c.doRaw(ctx, http.MethodPut, path, data)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return fmt.Errorf("upload chunk %d: %w", index, err)
		}
		lastErr = err

		if attempt < maxChunkAttempts {
			delay := time.Duration(attempt) * retryBaseDelay
			slog.Debug("retrying chunk", "index", index, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("upload chunk %d failed after %d attempts: %w", index, maxChunkAttempts, lastErr)
}
