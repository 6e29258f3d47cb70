package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/llm"
	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
)

// defaultEmbedBatch is how many records are embedded per provider call.
const defaultEmbedBatch = 32

// Vectorizer handles vectorize jobs: embed every record of the project that
// has no vector yet.
//
// Error policy: a provider outage fails the whole job so the queue's backoff
// retries it later; any other embedding failure is recorded on the record
// itself and the job keeps going.
type Vectorizer struct {
	tracker  Tracker
	records  RecordStore
	embedder Embedder
	metrics  *metrics.Collector
}

// NewVectorizer creates the vectorization handler.
func NewVectorizer(tracker Tracker, records RecordStore, embedder Embedder, collector *metrics.Collector) *Vectorizer {
	return &Vectorizer{
		tracker:  tracker,
		records:  records,
		embedder: embedder,
		metrics:  collector,
	}
}

// Handle processes one vectorization job. Cancellation is honored between
// batches; embedded records stay embedded.
func (s *Vectorizer) Handle(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	decoded, err := queue.DecodePayload(job)
	if err != nil {
		return nil, err
	}
	payload, ok := decoded.(queue.VectorizePayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", decoded)
	}
	if payload.ProjectID == "" {
		return nil, fmt.Errorf("vectorize payload has no project id")
	}

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}

	// Carry over the counters from the ingestion phase, if any.
	result := &queue.Result{}
	if job.Result != nil {
		*result = *job.Result
	}

	for {
		cancelled, err := s.tracker.CancelRequested(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("check cancellation: %w", err)
		}
		if cancelled {
			slog.Info("vectorization cancelled", "job_id", job.ID, "embedded", result.Embedded)
			return result, queue.ErrCancelled
		}

		records, err := s.records.ListUnembedded(ctx, payload.ProjectID, batchSize)
		if err != nil {
			return nil, fmt.Errorf("list unembedded: %w", err)
		}
		if len(records) == 0 {
			break
		}

		if err := s.embedBatch(ctx, records, result); err != nil {
			return nil, err
		}

		s.tracker.UpdateProgress(ctx, job.ID, result.Embedded, 0, "embedding records")
	}

	slog.Info("vectorization finished",
		"job_id", job.ID, "embedded", result.Embedded, "errors", result.ErrorCount)
	return result, nil
}

// embedBatch embeds one batch. When the batch call fails for a non-outage
// reason, each record is retried individually so one poisoned text does not
// sink its whole batch.
func (s *Vectorizer) embedBatch(ctx context.Context, records []db.TaskRecord, result *queue.Result) error {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = embedText(rec.Task, rec.Response)
	}

	start := time.Now()
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpEmbedBatch, time.Since(start))
	}

	switch {
	case err == nil:
		for i, rec := range records {
			if err := s.records.SetEmbedding(ctx, rec.ID, vectors[i]); err != nil {
				return fmt.Errorf("store embedding: %w", err)
			}
			result.Embedded++
		}
		return nil

	case errors.Is(err, llm.ErrProviderUnavailable):
		return err

	default:
		slog.Warn("batch embedding failed, falling back to per-record", "error", err)
		return s.embedOneByOne(ctx, records, result)
	}
}

func (s *Vectorizer) embedOneByOne(ctx context.Context, records []db.TaskRecord, result *queue.Result) error {
	for _, rec := range records {
		text := embedText(rec.Task, rec.Response)
		if strings.TrimSpace(text) == "" {
			if err := s.records.MarkEmbedError(ctx, rec.ID, "empty text"); err != nil {
				return fmt.Errorf("mark embed error: %w", err)
			}
			result.ErrorCount++
			continue
		}

		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			if errors.Is(err, llm.ErrProviderUnavailable) {
				return err
			}
			if markErr := s.records.MarkEmbedError(ctx, rec.ID, err.Error()); markErr != nil {
				return fmt.Errorf("mark embed error: %w", markErr)
			}
			result.ErrorCount++
			continue
		}

		if err := s.records.SetEmbedding(ctx, rec.ID, vec); err != nil {
			return fmt.Errorf("store embedding: %w", err)
		}
		result.Embedded++
	}
	return nil
}

// embedText builds the text submitted to the embedding model.
func embedText(task, response string) string {
	return task + "\n\n" + response
}
