package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/annolab/annolab/internal/llm"
	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
)

// defaultEvalBatch is how many records are fetched per store round-trip.
const defaultEvalBatch = 20

// Evaluator handles evaluate jobs: run every unevaluated record of the
// project past the LLM reviewer and store the verdict.
type Evaluator struct {
	tracker   Tracker
	records   RecordStore
	completer Completer
	metrics   *metrics.Collector
}

// NewEvaluator creates the evaluation handler.
func NewEvaluator(tracker Tracker, records RecordStore, completer Completer, collector *metrics.Collector) *Evaluator {
	return &Evaluator{
		tracker:   tracker,
		records:   records,
		completer: completer,
		metrics:   collector,
	}
}

// Handle processes one evaluation job. Like vectorization, provider outages
// fail the job for a queue-level retry, while a bad verdict on a single
// record is stored as an error verdict and the job keeps going.
func (s *Evaluator) Handle(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	decoded, err := queue.DecodePayload(job)
	if err != nil {
		return nil, err
	}
	payload, ok := decoded.(queue.EvaluatePayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", decoded)
	}
	if payload.ProjectID == "" {
		return nil, fmt.Errorf("evaluate payload has no project id")
	}

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = defaultEvalBatch
	}

	result := &queue.Result{}
	for {
		cancelled, err := s.tracker.CancelRequested(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("check cancellation: %w", err)
		}
		if cancelled {
			slog.Info("evaluation cancelled", "job_id", job.ID, "evaluated", result.Evaluated)
			return result, queue.ErrCancelled
		}

		records, err := s.records.ListUnevaluated(ctx, payload.ProjectID, batchSize)
		if err != nil {
			return nil, fmt.Errorf("list unevaluated: %w", err)
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			start := time.Now()
			verdict, err := s.completer.EvaluateResponse(ctx, rec.Task, rec.Response, payload.Prompt)
			if s.metrics != nil {
				s.metrics.RecordTiming(metrics.OpEvaluate, time.Since(start))
			}

			if err != nil {
				if errors.Is(err, llm.ErrProviderUnavailable) {
					return result, err
				}
				// Store the failure as a verdict so the record is not
				// re-fetched forever.
				verdict = "ERROR: " + err.Error()
				result.ErrorCount++
			} else {
				result.Evaluated++
			}

			if err := s.records.SetEvaluation(ctx, rec.ID, verdict); err != nil {
				return nil, fmt.Errorf("store evaluation: %w", err)
			}
		}

		s.tracker.UpdateProgress(ctx, job.ID, result.Evaluated, 0, "evaluating responses")
	}

	slog.Info("evaluation finished",
		"job_id", job.ID, "evaluated", result.Evaluated, "errors", result.ErrorCount)
	return result, nil
}
