// Package service implements the job handlers: CSV ingestion, record
// vectorization and LLM response evaluation.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/queue"
)

// Tracker is the slice of the queue a running handler needs: progress,
// cancellation polling and the phase hand-off.
type Tracker interface {
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, current, total int, message string)
	Advance(ctx context.Context, id uuid.UUID, newType queue.JobType, payload any, interim *queue.Result) error
}

// RecordStore is the persistence surface the handlers use.
type RecordStore interface {
	Insert(ctx context.Context, rec db.TaskRecord) (bool, error)
	ListUnembedded(ctx context.Context, projectID string, limit int) ([]db.TaskRecord, error)
	ListUnevaluated(ctx context.Context, projectID string, limit int) ([]db.TaskRecord, error)
	SetEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error
	MarkEmbedError(ctx context.Context, id uuid.UUID, msg string) error
	SetEvaluation(ctx context.Context, id uuid.UUID, verdict string) error
	CountByProject(ctx context.Context, projectID string) (int, error)
}

// Embedder generates embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer judges annotator responses.
type Completer interface {
	EvaluateResponse(ctx context.Context, task, response, customPrompt string) (string, error)
}

// contentHash fingerprints a row for duplicate detection. Rows with the same
// task and response are the same work item regardless of external id.
func contentHash(task, response string) string {
	h := sha256.Sum256([]byte(task + "\x00" + response))
	return hex.EncodeToString(h[:])
}
