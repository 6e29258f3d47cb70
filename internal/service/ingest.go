package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/parser"
	"github.com/annolab/annolab/internal/queue"
)

// chunkRows is how many CSV rows are processed between cancellation checks
// and progress updates.
const chunkRows = 100

// Skip reasons added by the ingestion phase, on top of the parser's.
const (
	reasonDuplicate       = "duplicate"
	reasonKeywordMismatch = "keyword_mismatch"
)

// maxSourceBytes caps remote CSV downloads.
const maxSourceBytes = 256 << 20

// Ingestor handles ingest_data jobs: parse the CSV, filter and deduplicate
// rows, store the survivors and optionally hand the job over to the
// vectorization phase.
type Ingestor struct {
	tracker Tracker
	records RecordStore
	metrics *metrics.Collector
	client  *http.Client
}

// NewIngestor creates the ingest handler.
func NewIngestor(tracker Tracker, records RecordStore, collector *metrics.Collector) *Ingestor {
	return &Ingestor{
		tracker: tracker,
		records: records,
		metrics: collector,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Handle processes one ingestion job. A cancellation observed between chunks
// returns queue.ErrCancelled along with the counters accumulated so far;
// rows already saved stay saved.
func (s *Ingestor) Handle(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	decoded, err := queue.DecodePayload(job)
	if err != nil {
		return nil, err
	}
	payload, ok := decoded.(queue.IngestPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", decoded)
	}
	if payload.ProjectID == "" {
		return nil, fmt.Errorf("ingest payload has no project id")
	}

	source, err := s.resolveSource(ctx, payload)
	if err != nil {
		return nil, err
	}

	file, err := parser.ParseTasks(strings.NewReader(source))
	if err != nil {
		// A broken header fails the whole job; there is nothing usable.
		return nil, err
	}

	result := &queue.Result{SkippedDetails: make(map[string]int)}
	for _, skip := range file.Skipped {
		result.Skipped++
		result.SkippedDetails[skip.Reason]++
	}

	total := len(file.Rows)
	slog.Info("ingestion started",
		"job_id", job.ID, "project_id", payload.ProjectID,
		"rows", total, "unparseable", len(file.Skipped))

	for start := 0; start < total; start += chunkRows {
		cancelled, err := s.tracker.CancelRequested(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("check cancellation: %w", err)
		}
		if cancelled {
			slog.Info("ingestion cancelled", "job_id", job.ID, "rows_done", start)
			return result, queue.ErrCancelled
		}

		end := min(start+chunkRows, total)
		chunkStart := time.Now()
		if err := s.processChunk(ctx, payload, file.Rows[start:end], result); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordTiming(metrics.OpIngestChunk, time.Since(chunkStart))
		}

		s.tracker.UpdateProgress(ctx, job.ID, end, total, "importing rows")
	}

	// Advisory only; a failed count must not fail a finished import.
	projectTotal, _ := s.records.CountByProject(ctx, payload.ProjectID)
	slog.Info("ingestion finished",
		"job_id", job.ID, "saved", result.Saved, "skipped", result.Skipped,
		"project_records", projectTotal)

	if payload.Embed {
		next := queue.VectorizePayload{
			ProjectID:   payload.ProjectID,
			Environment: payload.Environment,
		}
		if err := s.tracker.Advance(ctx, job.ID, queue.TypeVectorize, next, result); err != nil {
			return nil, fmt.Errorf("advance to vectorization: %w", err)
		}
		return result, queue.ErrAdvanced
	}

	return result, nil
}

// processChunk filters and stores one slice of rows. Database failures abort
// the job; they indicate the store is unhealthy, not a bad row.
func (s *Ingestor) processChunk(ctx context.Context, payload queue.IngestPayload, rows []parser.TaskRow, result *queue.Result) error {
	for _, row := range rows {
		if !parser.MatchesKeywords(row, payload.Keywords) {
			result.Skipped++
			result.SkippedDetails[reasonKeywordMismatch]++
			continue
		}

		env := row.Environment
		if env == "" {
			env = payload.Environment
		}

		inserted, err := s.records.Insert(ctx, db.TaskRecord{
			ProjectID:   payload.ProjectID,
			ExternalID:  row.ExternalID,
			Task:        row.Task,
			Response:    row.Response,
			Environment: env,
			ContentHash: contentHash(row.Task, row.Response),
		})
		if err != nil {
			return fmt.Errorf("store row %d: %w", row.Line, err)
		}
		if !inserted {
			result.Skipped++
			result.SkippedDetails[reasonDuplicate]++
			continue
		}
		result.Saved++
	}
	return nil
}

// resolveSource returns the CSV content, either inline or fetched from the
// payload URL.
func (s *Ingestor) resolveSource(ctx context.Context, payload queue.IngestPayload) (string, error) {
	if payload.Source != "" {
		return payload.Source, nil
	}
	if payload.SourceURL == "" {
		return "", fmt.Errorf("ingest payload has neither source nor source url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.SourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build source request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch source: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", fmt.Errorf("read source body: %w", err)
	}
	return string(body), nil
}
