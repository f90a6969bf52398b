// Package server exposes the engine's two external entry points over HTTP:
// webhook-triggered flow activation and webhook gate resumption. Everything
// else goes through the CLI.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/flow"
)

// maxPayloadBytes caps gate resume bodies
const maxPayloadBytes = 1 << 20

// Engine is the slice of the step machine the server needs.
type Engine interface {
	Launch(f *flow.Flow) (*job.Job, error)
	ResumeGate(ctx context.Context, token string, payload json.RawMessage) (*job.Job, error)
}

// Server serves the webhook trigger and gate endpoints.
type Server struct {
	flows  *flow.Store
	engine Engine
	logger *zap.SugaredLogger
	http   *http.Server
}

// New creates the server bound to the given port
func New(flows *flow.Store, engine Engine, port int, log *zap.SugaredLogger) *Server {
	s := &Server{
		flows:  flows,
		engine: engine,
		logger: log,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux; exposed separately so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trigger/{flow_id}", s.handleTrigger)
	mux.HandleFunc("POST /gate/{token}", s.handleGate)
	return mux
}

// Start blocks serving HTTP until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleTrigger activates a flow from an external webhook. The bearer token
// must be the one bound to exactly this flow; a valid token for a different
// flow is rejected the same as an unknown one.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")

	f, err := s.flows.GetFlowByToken(bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if f.ID != flowID {
		s.writeError(w, errors.Wrap(errors.ErrUnauthorized, "token not valid for this flow"))
		return
	}

	j, err := s.engine.Launch(f)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Infow("Flow triggered via webhook", "flow_id", f.ID, "job_id", j.ID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  j.ID,
		"flow_id": f.ID,
		"status":  string(j.Status),
	})
}

// handleGate resumes a suspended job, forwarding the request body as the
// gate payload.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.writeError(w, errors.NewInvalidRequestError("failed to read request body"))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.writeError(w, errors.NewInvalidRequestError("gate payload must be JSON"))
		return
	}

	j, err := s.engine.ResumeGate(r.Context(), token, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Infow("Job resumed via gate endpoint", "job_id", j.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": j.ID,
		"status": string(j.Status),
	})
}

// errorResponse is the wire shape of every error: a stable category plus
// the underlying message, never a stack trace.
type errorResponse struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	category, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "category", category, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Category: category, Message: err.Error()})
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return "unauthorized", http.StatusUnauthorized
	case errors.IsNotFoundError(err):
		return "not_found", http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		return "invalid_request", http.StatusBadRequest
	case errors.IsConflictError(err):
		return "conflict", http.StatusConflict
	default:
		return "internal", http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
