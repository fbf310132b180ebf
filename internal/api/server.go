// Package api exposes the HTTP interface for the intelligence pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/config"
	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/lifecycle"
	"github.com/nine-one-six-systems/prospector/internal/scheduler"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// Server wires HTTP handlers to the stores, the lifecycle machine, and the
// scheduler.
type Server struct {
	router    chi.Router
	companies intel.CompanyStore
	batches   intel.BatchStore
	sessions  intel.SessionStore
	pages     intel.PageStore
	analyses  intel.AnalysisStore
	progress  intel.ProgressCache
	machine   *lifecycle.Machine
	sched     *scheduler.Scheduler
	idGen     intel.IDGenerator
	clock     intel.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	companies intel.CompanyStore,
	batches intel.BatchStore,
	sessions intel.SessionStore,
	pages intel.PageStore,
	analyses intel.AnalysisStore,
	progress intel.ProgressCache,
	machine *lifecycle.Machine,
	sched *scheduler.Scheduler,
	idGen intel.IDGenerator,
	clock intel.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		companies: companies,
		batches:   batches,
		sessions:  sessions,
		pages:     pages,
		analyses:  analyses,
		progress:  progress,
		machine:   machine,
		sched:     sched,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/companies", func(r chi.Router) {
			r.Post("/", s.createCompany)
			r.Route("/{company_id}", func(r chi.Router) {
				r.Get("/", s.getCompany)
				r.Delete("/", s.deleteCompany)
				r.Get("/progress", s.getProgress)
				r.Get("/analyses", s.listAnalyses)
				r.Post("/pause", s.pauseCompany)
				r.Post("/resume", s.resumeCompany)
				r.Post("/rescan", s.rescanCompany)
				r.Post("/cancel", s.cancelCompany)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.createBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Post("/start", s.startBatch)
				r.Post("/pause", s.pauseBatch)
				r.Post("/resume", s.resumeBatch)
				r.Post("/cancel", s.cancelBatch)
			})
		})
		r.Post("/scheduler/tick", s.schedulerTick)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The company store is the critical dependency; probe it.
	if _, err := s.companies.InProgress(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) schedulerTick(w http.ResponseWriter, r *http.Request) {
	admitted, err := s.sched.ScheduleNextFromAllBatches(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"admitted": admitted})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the domain sentinels onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intel.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intel.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intel.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
