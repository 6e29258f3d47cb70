// Package server provides the REST API for job submission, monitoring and
// chunked uploads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
	"github.com/annolab/annolab/internal/upload"
)

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any, opts queue.EnqueueOptions) (*queue.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*queue.Job, error)
	List(ctx context.Context, limit int) ([]*queue.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// Auditor records operator actions. Audit failures never block the action
// being audited.
type Auditor interface {
	Record(ctx context.Context, action, entityID, actor string, metadata map[string]any) error
}

// Server is the HTTP API.
type Server struct {
	router    *chi.Mux
	queue     JobQueue
	assembler *upload.Assembler
	audit     Auditor
	metrics   *metrics.Collector
	logger    *slog.Logger
	addr      string
}

// New creates the API server. audit and collector may be nil.
func New(addr string, q JobQueue, assembler *upload.Assembler, audit Auditor, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		queue:     q,
		assembler: assembler,
		audit:     audit,
		metrics:   collector,
		logger:    logger,
		addr:      addr,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(requestLogger(s.logger))

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/jobs/ingest", s.handleEnqueueIngest)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/stats", s.handleRuntimeStats)

		r.Post("/uploads", s.handleStartUpload)
		r.Put("/uploads/{id}/chunks/{index}", s.handlePutChunk)
		r.Post("/uploads/{id}/complete", s.handleCompleteUpload)
		r.Delete("/uploads/{id}", s.handleAbortUpload)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// tryAudit records an audit entry, logging and swallowing failures.
func (s *Server) tryAudit(ctx context.Context, action, entityID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	actor := "api"
	if err := s.audit.Record(ctx, action, entityID, actor, metadata); err != nil {
		s.logger.Warn("audit write failed", "action", action, "entity_id", entityID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseID extracts a UUID path parameter, writing a 400 on failure.
func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
