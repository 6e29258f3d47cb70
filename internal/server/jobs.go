package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
)

// ingestRequest is the body of POST /api/jobs/ingest.
type ingestRequest struct {
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

func (r ingestRequest) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project_id is required")
	}
	if r.Source == "" && r.SourceURL == "" {
		return errors.New("one of source or source_url is required")
	}
	if r.Source != "" && r.SourceURL != "" {
		return errors.New("source and source_url are mutually exclusive")
	}
	return nil
}

// jobView is the API representation of a job. Status is the display status,
// so advanced ingestion jobs read queued_for_vec / vectorizing.
type jobView struct {
	ID              string          `json:"id"`
	Type            queue.JobType   `json:"type"`
	Status          queue.Status    `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Progress        *queue.Progress `json:"progress,omitempty"`
	Result          *queue.Result   `json:"result,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func viewOf(j *queue.Job) jobView {
	return jobView{
		ID:              j.ID.String(),
		Type:            j.Type,
		Status:          j.DisplayStatus(),
		Priority:        j.Priority,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		Progress:        j.Progress,
		Result:          j.Result,
		CancelRequested: j.CancelRequested,
		ScheduledFor:    j.ScheduledFor,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func (s *Server) handleEnqueueIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload := queue.IngestPayload{
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		FileName:    req.FileName,
		Source:      req.Source,
		SourceURL:   req.SourceURL,
		Keywords:    req.Keywords,
		Embed:       req.Embed,
	}
	job, err := s.queue.Enqueue(r.Context(), queue.TypeIngestData, payload, queue.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		// Submission failure must be visible, never a silent drop.
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.tryAudit(r.Context(), "job.enqueue", job.ID.String(), map[string]any{
		"project_id": req.ProjectID,
		"embed":      req.Embed,
	})
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.queue.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := s.queue.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.tryAudit(r.Context(), "job.cancel", id.String(), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := s.queue.Retry(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.tryAudit(r.Context(), "job.retry", id.String(), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats, err := s.queue.Stats(r.Context())
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRuntimeStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
