package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/annolab/annolab/internal/queue"
	"github.com/annolab/annolab/internal/upload"
)

// startUploadRequest is the body of POST /api/uploads.
type startUploadRequest struct {
	FileName    string `json:"file_name"`
	TotalBytes  int64  `json:"total_bytes"`
	TotalChunks int    `json:"total_chunks"`
}

// completeUploadRequest is the body of POST /api/uploads/{id}/complete. The
// assembled CSV is submitted as an ingestion job with these parameters.
type completeUploadRequest struct {
	ProjectID   string   `json:"project_id"`
	Environment string   `json:"environment,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Embed       bool     `json:"embed,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	var req startUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	session, err := s.assembler.Start(r.Context(), req.FileName, req.TotalBytes, req.TotalChunks)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid chunk index"))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("failed to read chunk body"))
		return
	}

	if err := s.assembler.PutChunk(r.Context(), id, index, data); err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_id is required"))
		return
	}

	session, content, err := s.assembler.Complete(r.Context(), id)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}

	payload := queue.IngestPayload{
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		FileName:    session.FileName,
		Source:      string(content),
		Keywords:    req.Keywords,
		Embed:       req.Embed,
	}
	job, err := s.queue.Enqueue(r.Context(), queue.TypeIngestData, payload, queue.EnqueueOptions{
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.tryAudit(r.Context(), "upload.complete", id.String(), map[string]any{
		"project_id": req.ProjectID,
		"file_name":  session.FileName,
		"job_id":     job.ID.String(),
	})
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := s.assembler.Abort(r.Context(), id); err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadStatus maps assembler errors onto HTTP statuses. Client mistakes are
// 4xx so upload clients know not to retry them.
func uploadStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrIncomplete):
		return http.StatusConflict
	case errors.Is(err, upload.ErrBadExtension),
		errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, upload.ErrChunkIndex),
		errors.Is(err, upload.ErrChunkTooLarge),
		errors.Is(err, upload.ErrSizeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
