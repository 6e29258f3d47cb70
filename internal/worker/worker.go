// Package worker runs the claim-and-execute loop over the job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
)

// Handler executes one claimed job. The returned result is persisted by the
// worker according to the error:
//
//   - nil: the job is completed with the result
//   - queue.ErrAdvanced: the handler moved the job on; the worker does nothing
//   - queue.ErrCancelled: the job is marked cancelled, keeping the result
//   - anything else: the job is failed (and retried by the queue if attempts
//     remain)
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (*queue.Result, error)
}

// JobQueue is the queue surface the worker needs.
type JobQueue interface {
	Claim(ctx context.Context, types []queue.JobType) (*queue.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result *queue.Result) error
	Fail(ctx context.Context, id uuid.UUID, jobErr error) error
	MarkCancelled(ctx context.Context, id uuid.UUID, result *queue.Result) error
}

// Config tunes the worker pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Worker polls the queue and dispatches claimed jobs to registered handlers.
// Multiple workers (in one process or many) coexist safely; exclusivity
// comes from the queue's claim semantics.
type Worker struct {
	queue    JobQueue
	cfg      Config
	handlers map[queue.JobType]Handler
	metrics  *metrics.Collector
}

// New creates a worker pool. Register handlers before calling Run.
func New(q JobQueue, cfg Config, collector *metrics.Collector) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[queue.JobType]Handler),
		metrics:  collector,
	}
}

// Register installs the handler for a job type. Only registered types are
// claimed.
func (w *Worker) Register(t queue.JobType, h Handler) {
	w.handlers[t] = h
}

// Run blocks until the context is cancelled, running Concurrency claim
// loops. Jobs in flight when the context ends are interrupted through their
// per-job context; the queue's retry budget covers the rest.
func (w *Worker) Run(ctx context.Context) error {
	types := make([]queue.JobType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	if len(types) == 0 {
		return fmt.Errorf("worker has no registered handlers")
	}

	slog.Info("worker starting",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"types", types)

	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			return w.loop(ctx, i)
		})
	}
	return g.Wait()
}

// loop claims and runs jobs until the context ends.
func (w *Worker) loop(ctx context.Context, slot int) error {
	types := make([]queue.JobType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}

	for {
		start := time.Now()
		job, err := w.queue.Claim(ctx, types)
		if w.metrics != nil {
			w.metrics.RecordTiming(metrics.OpClaim, time.Since(start))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("claim failed", "slot", slot, "error", err)
		}

		if job != nil {
			w.runJob(ctx, job)
			continue // drain eagerly while work is available
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// runJob executes one claimed job and persists its outcome. A handler panic
// is converted into a job failure instead of taking the worker down.
func (w *Worker) runJob(ctx context.Context, job *queue.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		// Claim filters on registered types, but guard anyway.
		w.finish(ctx, job, nil, fmt.Errorf("no handler for job type %s", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	slog.Info("job started", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
	start := time.Now()

	var (
		result *queue.Result
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		result, err = handler.Handle(jobCtx, job)
	}()

	slog.Info("job finished", "job_id", job.ID, "type", job.Type,
		"duration_ms", time.Since(start).Milliseconds(), "outcome", outcomeLabel(err))
	w.finish(ctx, job, result, err)
}

// finish maps the handler outcome onto a queue transition. The parent
// context is used so a job-timeout does not also doom the bookkeeping write.
func (w *Worker) finish(ctx context.Context, job *queue.Job, result *queue.Result, err error) {
	switch {
	case errors.Is(err, queue.ErrAdvanced):
		// The handler already moved the job to its next phase.

	case errors.Is(err, queue.ErrCancelled):
		if mErr := w.queue.MarkCancelled(ctx, job.ID, result); mErr != nil {
			slog.Error("failed to mark job cancelled", "job_id", job.ID, "error", mErr)
		}

	case err != nil:
		if fErr := w.queue.Fail(ctx, job.ID, err); fErr != nil {
			slog.Error("failed to record job failure", "job_id", job.ID, "error", fErr)
		}

	default:
		if cErr := w.queue.Complete(ctx, job.ID, result); cErr != nil {
			slog.Error("failed to complete job", "job_id", job.ID, "error", cErr)
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, queue.ErrAdvanced):
		return "advanced"
	case errors.Is(err, queue.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}
