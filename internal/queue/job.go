// Package queue implements the durable Postgres-backed job queue: enqueue,
// atomic claim via SKIP LOCKED, completion, retry with capped exponential
// backoff, cooperative cancellation and phase hand-off.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobType determines which worker pool may claim a job.
type JobType string

const (
	TypeIngestData JobType = "ingest_data"
	TypeVectorize  JobType = "vectorize"
	TypeEvaluate   JobType = "evaluate"
)

// KnownType reports whether t is a member of the closed job type enum.
func KnownType(t JobType) bool {
	switch t {
	case TypeIngestData, TypeVectorize, TypeEvaluate:
		return true
	}
	return false
}

// Status is the persisted job state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Display-only states for ingestion jobs that were advanced to the
// vectorization phase. They are derived from (job_type, status), never
// stored.
const (
	StatusQueuedForVec Status = "queued_for_vec"
	StatusVectorizing  Status = "vectorizing"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is advisory telemetry; it never gates correctness.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Result holds a job's structured outcome, or its last error.
type Result struct {
	Saved          int            `json:"saved,omitempty"`
	Skipped        int            `json:"skipped,omitempty"`
	SkippedDetails map[string]int `json:"skipped_details,omitempty"`
	Embedded       int            `json:"embedded,omitempty"`
	Evaluated      int            `json:"evaluated,omitempty"`
	ErrorCount     int            `json:"error_count,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Job is the unit of queued work.
type Job struct {
	ID              uuid.UUID
	Type            JobType
	Status          Status
	Priority        int
	Attempts        int
	MaxAttempts     int
	Payload         []byte // JSON; nil once the job is terminal
	Progress        *Progress
	Result          *Result
	CancelRequested bool
	ScheduledFor    time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// DisplayStatus maps an advanced ingestion job onto its vectorization-phase
// states for reporting. All other jobs report the stored status.
func (j *Job) DisplayStatus() Status {
	if j.Type == TypeVectorize {
		switch j.Status {
		case StatusPending:
			return StatusQueuedForVec
		case StatusProcessing:
			return StatusVectorizing
		}
	}
	return j.Status
}

// Stats is the aggregate queue state, computed in a single grouped count.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

var (
	// ErrQueueUnavailable wraps store failures during enqueue. Callers must
	// surface it; job submission failure is never silent.
	ErrQueueUnavailable = errors.New("queue: store unavailable")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrUnknownJobType is returned for types outside the closed enum.
	ErrUnknownJobType = errors.New("queue: unknown job type")

	// ErrCancelled is returned by a handler when it stopped at a chunk
	// boundary because cancellation was requested. The worker then marks
	// the job cancelled, keeping the partial counters.
	ErrCancelled = errors.New("queue: job cancelled")

	// ErrAdvanced is returned by a handler that moved the job into its next
	// phase itself; the worker performs no terminal transition.
	ErrAdvanced = errors.New("queue: job advanced to next phase")
)
