// Package server exposes the pipeline over HTTP: submit a document, poll
// its job, fetch the rendered artifact, cancel, and pull operator reports.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/export"
	"github.com/swiftai/cv-pipeline/internal/pipeline"
	"github.com/swiftai/cv-pipeline/internal/repository"
)

type Server struct {
	cfg    common.ServerConfig
	orch   *pipeline.Orchestrator
	export *export.Service
	db     *sql.DB
	logger *slog.Logger
	http   *http.Server
}

func New(cfg common.ServerConfig, orch *pipeline.Orchestrator, exporter *export.Service, db *sql.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, orch: orch, export: exporter, db: db, logger: logger}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/documents", s.handleSubmit)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleJobStatus)
			r.Get("/artifact", s.handleArtifact)
			r.Delete("/", s.handleCancel)
		})
		r.Get("/reports/jobs.xlsx", s.handleJobsReport)
	})
	return r
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := repository.HealthCheck(r.Context(), s.db, 2*time.Second); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "job store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
