// Package api exposes the thin HTTP control surface for the scraper:
// starting, inspecting, and steering runs. Handlers only call orchestrator
// methods and render snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/metrics"
	"github.com/templatehive/scraper/internal/orchestrator"
	"github.com/templatehive/scraper/internal/writebuf"
)

// Engine is the orchestrator surface the server drives.
type Engine interface {
	StartRun(ctx context.Context, urls []string) (orchestrator.Snapshot, error)
	ResumeRun(ctx context.Context, id uuid.UUID) (orchestrator.Snapshot, error)
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	ResumeFromAutoPause(id uuid.UUID) error
	Stop(id uuid.UUID) error
	Snapshot(ctx context.Context, id uuid.UUID) (orchestrator.Snapshot, error)
	ListInterrupted(ctx context.Context) ([]orchestrator.Snapshot, error)
}

// Writer exposes the write buffer's observability snapshot.
type Writer interface {
	Snapshot() writebuf.Snapshot
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	engine Engine
	writer Writer
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. writer is
// optional.
func NewServer(engine Engine, writer Writer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, writer: writer, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/pause", s.pauseRun)
				r.Post("/resume", s.resumeRun)
				r.Post("/resume-auto-pause", s.resumeAutoPause)
				r.Post("/stop", s.stopRun)
			})
		})
		r.Get("/writer", s.writerSnapshot)
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

type startRunRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	snap, err := s.engine.StartRun(r.Context(), req.URLs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	interrupted, _ := strconv.ParseBool(r.URL.Query().Get("interrupted"))
	if !interrupted {
		s.writeError(w, http.StatusBadRequest, "only interrupted=1 listing is supported")
		return
	}
	runs, err := s.engine.ListInterrupted(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []orchestrator.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) pauseRun(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Pause)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	// Resume lifts a manual pause for live runs; for checkpointed runs
	// (interrupted or stopped) it reloads state and starts a fresh loop.
	err := s.engine.Resume(id)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		var snap orchestrator.Snapshot
		snap, err = s.engine.ResumeRun(r.Context(), id)
		if err == nil {
			s.writeJSON(w, http.StatusAccepted, snap)
			return
		}
	}
	s.renderControl(w, r, id, err)
}

func (s *Server) resumeAutoPause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.ResumeFromAutoPause)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Stop)
}

func (s *Server) writerSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.writer == nil {
		s.writeError(w, http.StatusNotFound, "write buffer not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.writer.Snapshot())
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(uuid.UUID) error) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	s.renderControl(w, r, id, op(id))
}

func (s *Server) renderControl(w http.ResponseWriter, r *http.Request, id uuid.UUID, err error) {
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, orchestrator.ErrBadTransition), errors.Is(err, orchestrator.ErrRunActive):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
