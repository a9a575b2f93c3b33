// Package api exposes the agent's HTTP surface: archive ingestion and the
// build read path. Submission is non-blocking; callers observe progress by
// polling the read path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/artifact"
	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/queue"
	"github.com/barrettj12/nimble/pkg/worker"
)

// maxArchiveBytes bounds uploaded source archives.
const maxArchiveBytes = 512 << 20

// Server handles build submission and queries.
type Server struct {
	store     build.Store
	artifacts *artifact.Store
	jobs      *queue.Queue[worker.BuildJob]
	logger    *zap.Logger
}

func NewServer(store build.Store, artifacts *artifact.Store, jobs *queue.Queue[worker.BuildJob], logger *zap.Logger) *Server {
	return &Server{store: store, artifacts: artifacts, jobs: jobs, logger: logger}
}

// Router assembles the agent's routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/builds", func(r chi.Router) {
		r.Post("/", s.handleCreateBuild)
		r.Get("/", s.handleListBuilds)
		r.Get("/{buildID}", s.handleGetBuild)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// handleCreateBuild ingests a gzipped source archive. The order matters:
// the record exists before the archive is saved, and the archive is saved
// before the job is published, so a job never references missing state.
func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := uuid.NewString()
	archivePath := s.artifacts.SourceArchivePath(id)
	if _, err := s.store.Create(ctx, id, archivePath); err != nil {
		s.logger.Error("create build record", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	if _, err := s.artifacts.SaveSourceArchive(id, body); err != nil {
		s.failBuild(ctx, id, "failed to persist source archive")
		s.logger.Error("save source archive", zap.String("build_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store source archive")
		return
	}

	if err := s.jobs.Enqueue(worker.BuildJob{BuildID: id}); err != nil {
		// Keep store and queue consistent: a build that never reached the
		// queue must not linger as queued.
		s.failBuild(ctx, id, "build queue is full")
		respondError(w, http.StatusServiceUnavailable, "build queue is full, please try again later")
		return
	}

	respondJSON(w, map[string]any{
		"build_id": id,
		"status":   build.StatusQueued,
	}, http.StatusAccepted)
}

func (s *Server) failBuild(ctx context.Context, id, reason string) {
	if _, err := s.store.Transition(ctx, id, build.StatusQueued, build.StatusFailed,
		build.Fields{Error: &reason}); err != nil {
		s.logger.Error("fail unqueued build", zap.String("build_id", id), zap.Error(err))
	}
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	filter := build.Filter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := build.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	builds, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list builds", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	summaries := make([]build.Summary, 0, len(builds))
	for _, b := range builds {
		summaries = append(summaries, b.Summary())
	}
	respondJSON(w, map[string]any{"builds": summaries}, http.StatusOK)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	b, err := s.store.Get(r.Context(), id)
	if errors.Is(err, build.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("get build", zap.String("build_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondJSON(w, map[string]any{"build": b}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
