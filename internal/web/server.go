// Package web serves a small read-only status API over the local
// pipeline store, for dashboards and debugging.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hivework/swarm/internal/pipeline"
)

// Server exposes pipeline state over HTTP.
type Server struct {
	store  *pipeline.Store
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, store *pipeline.Store, logger *slog.Logger) *Server {
	s := &Server{store: store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{id}/progress", s.handleProgress)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.List()
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if states == nil {
		states = []pipeline.PipelineState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	dir, err := s.store.TaskDir(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "workspace unavailable"})
		return
	}
	steps, err := pipeline.NewProgressLog(dir).Read()
	if err != nil {
		s.logger.Error("read progress failed", "task", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read failed"})
		return
	}
	if steps == nil {
		steps = []pipeline.ProgressStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
