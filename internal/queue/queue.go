package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, job_type, status, priority, attempts, max_attempts,
	payload, progress, result, cancel_requested,
	scheduled_for, created_at, started_at, completed_at, updated_at`

// Queue is the API surface over the jobs table. All cross-worker
// coordination happens through Postgres row locking; Queue holds no
// authoritative in-memory state and is safe for concurrent use from any
// number of processes.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a queue over the given connection pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// EnqueueOptions tune a new job. Zero values mean: priority 0, three
// attempts, eligible immediately.
type EnqueueOptions struct {
	Priority     int
	MaxAttempts  int
	ScheduledFor time.Time
}

// Enqueue inserts a new pending job. A store failure is wrapped in
// ErrQueueUnavailable so the submission failure is visible to the caller.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload any, opts EnqueueOptions) (*Job, error) {
	if !KnownType(jobType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	scheduledFor := opts.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = time.Now().UTC()
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, max_attempts, payload, scheduled_for)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6)
		RETURNING `+jobColumns,
		uuid.New(), jobType, opts.Priority, maxAttempts, body, scheduledFor,
	)

	job, err := scanJob(row)
	if err != nil {
		return nil, errors.Join(ErrQueueUnavailable, err)
	}

	slog.Info("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return job, nil
}

// Claim atomically selects the best eligible pending job among the given
// types, flips it to processing and returns it. Two concurrent callers can
// never receive the same job: the selection runs FOR UPDATE SKIP LOCKED
// inside the UPDATE, so a row locked by one claim is invisible to others.
// Returns (nil, nil) when no job is eligible.
//
// Eligibility order is priority first, then scheduled_for, then creation
// time as a tiebreaker.
func (q *Queue) Claim(ctx context.Context, types []JobType) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	row := q.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE jobs
			SET status = 'processing', started_at = now(), updated_at = now()
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND job_type = ANY($1)
				  AND scheduled_for <= now()
				ORDER BY priority, scheduled_for, created_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		names,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete transitions a processing job to completed, stores the result,
// discards the payload and stamps completed_at. A repeated call finds the
// job no longer processing and changes nothing.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result *Result) error {
	body, err := marshalResult(result)
	if err != nil {
		return err
	}

	_, err = q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, payload = NULL,
		    completed_at = COALESCE(completed_at, now()), updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, body,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	slog.Info("job completed", "job_id", id)
	return nil
}

// Fail reports a failed attempt. The attempt increment, the retry-or-fail
// decision and the backoff scheduling all happen in one UPDATE so two
// failure reports can never race on the counter.
//
// Retry delay is min(300s, 10s * 2^attempts) using the attempts value the
// failing run started with, so consecutive failures back off 10s, 20s,
// 40s... capped at five minutes. Once the incremented counter reaches
// max_attempts the job goes terminal: failed, payload discarded,
// completed_at stamped.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, jobErr error) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	body, err := json.Marshal(Result{Error: msg})
	if err != nil {
		return fmt.Errorf("marshal failure result: %w", err)
	}

	var status Status
	err = q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts      = attempts + 1,
		    status        = CASE WHEN attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
		    scheduled_for = CASE WHEN attempts + 1 < max_attempts
		                         THEN now() + make_interval(secs => LEAST(300, 10 * power(2, attempts)))
		                         ELSE scheduled_for END,
		    payload       = CASE WHEN attempts + 1 < max_attempts THEN payload ELSE NULL END,
		    completed_at  = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE now() END,
		    result        = $2,
		    updated_at    = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING status`,
		id, body,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("fail job: %w", err)
	}

	if status == StatusFailed {
		slog.Error("job failed permanently", "job_id", id, "error", msg)
	} else {
		slog.Warn("job failed, will retry", "job_id", id, "error", msg)
	}
	return nil
}

// Advance hands a processing job over to its next phase: back to pending
// under the new job type, attempt budget reset, interim counters kept in
// result. Used for the data-load -> vectorization transition; the advanced
// job is claimed again like any other pending work.
func (q *Queue) Advance(ctx context.Context, id uuid.UUID, newType JobType, payload any, interim *Result) error {
	if !KnownType(newType) {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, newType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := marshalResult(interim)
	if err != nil {
		return err
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET job_type = $2, status = 'pending', attempts = 0, payload = $3,
		    result = $4, progress = NULL, scheduled_for = now(),
		    started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, newType, body, res,
	)
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	slog.Info("job advanced", "job_id", id, "next_type", newType)
	return nil
}

// UpdateProgress is best effort. Progress is advisory telemetry; store
// failures are logged and swallowed, never surfaced to the caller.
func (q *Queue) UpdateProgress(ctx context.Context, id uuid.UUID, current, total int, message string) {
	body, err := json.Marshal(Progress{Current: current, Total: total, Message: message})
	if err != nil {
		slog.Warn("failed to marshal progress", "job_id", id, "error", err)
		return
	}

	_, err = q.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1 AND status = 'processing'`,
		id, body,
	)
	if err != nil {
		slog.Warn("failed to persist progress", "job_id", id, "error", err)
	}
}

// Cancel requests cooperative cancellation. A job still pending is
// cancelled immediately; a processing job keeps running until its handler
// observes the flag at the next chunk boundary.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    status       = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		    payload      = CASE WHEN status = 'pending' THEN NULL ELSE payload END,
		    completed_at = CASE WHEN status = 'pending' THEN now() ELSE completed_at END,
		    updated_at   = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	slog.Info("job cancellation requested", "job_id", id)
	return nil
}

// CancelRequested reports whether cancellation has been requested for the
// job. Handlers poll this between record chunks.
func (q *Queue) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := q.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return requested, nil
}

// MarkCancelled transitions a job to the cancelled terminal state, keeping
// the partial counters. Already-saved records stay committed; cancellation
// is "stop at the next convenient point", not rollback.
func (q *Queue) MarkCancelled(ctx context.Context, id uuid.UUID, result *Result) error {
	body, err := marshalResult(result)
	if err != nil {
		return err
	}

	_, err = q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', result = $2, payload = NULL,
		    completed_at = COALESCE(completed_at, now()), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, body,
	)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}

	slog.Info("job cancelled", "job_id", id)
	return nil
}

// Retry is the operator override: back to pending with a fresh attempt
// budget, bypassing max_attempts entirely. Distinct from the automatic
// retry path inside Fail.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, scheduled_for = now(),
		    started_at = NULL, completed_at = NULL, cancel_requested = FALSE,
		    updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	slog.Info("job retried by operator", "job_id", id)
	return nil
}

// Stats aggregates job counts by status in a single grouped query; it never
// fetches individual rows, so the cost stays flat as the table grows.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = n
		case StatusProcessing:
			stats.Processing = n
		case StatusCompleted:
			stats.Completed = n
		case StatusFailed:
			stats.Failed = n
		case StatusCancelled:
			stats.Cancelled = n
		}
	}
	return stats, rows.Err()
}

// Cleanup deletes terminal jobs completed more than olderThanDays ago.
// Pending and processing jobs are never deleted regardless of age.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < now() - ($1 * interval '1 day')`,
		olderThanDays,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		slog.Info("cleaned up old jobs", "deleted", n, "older_than_days", olderThanDays)
		return n, nil
	}
	return 0, nil
}

// Get returns a job by id, or ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns the most recent jobs, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalResult(result *Result) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return body, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j        Job
		progress []byte
		result   []byte
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Payload, &progress, &result, &j.CancelRequested,
		&j.ScheduledFor, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(progress) > 0 {
		j.Progress = &Progress{}
		if err := json.Unmarshal(progress, j.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if len(result) > 0 {
		j.Result = &Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &j, nil
}
