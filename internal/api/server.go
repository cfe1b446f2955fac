// Package api exposes the local HTTP status and control surface of sha3xd:
// stats snapshots, health, and start/stop/intensity control.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/pkg/errors"
	"github.com/dougchansan/sha3xd/pkg/log"
)

// Server serves the miner's HTTP API. The API is local-operator tooling, not
// an internet-facing surface, so there is no auth layer.
type Server struct {
	controller *mining.Controller
	reporter   *mining.Reporter
	logger     *log.Logger
	server     *http.Server
}

// Config holds HTTP server settings
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates the API server
func NewServer(cfg Config, controller *mining.Controller, reporter *mining.Reporter, logger *log.Logger) *Server {
	s := &Server{
		controller: controller,
		reporter:   reporter,
		logger:     logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", methodOnly(http.MethodGet, s.handleStats))
	mux.HandleFunc("/healthz", methodOnly(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/control/start", methodOnly(http.MethodPost, s.handleStart))
	mux.HandleFunc("/control/stop", methodOnly(http.MethodPost, s.handleStop))
	mux.HandleFunc("/control/intensity", methodOnly(http.MethodPost, s.handleIntensity))

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ListenAndServe blocks serving requests until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// methodOnly restricts a handler to a single HTTP method, answering 405 with
// an Allow header otherwise (the pre-Go-1.22 equivalent of method patterns)
func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reporter.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.controller.State()
	healthy := state != mining.StateStopped && state != mining.StateIdle

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]any{
		"state":          state.String(),
		"pool_connected": s.controller.Connected(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.controller.State().String()})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.controller.State().String()})
}

func (s *Server) handleIntensity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Level < 1 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be at least 1"})
		return
	}

	s.controller.SetIntensity(req.Level)
	s.writeJSON(w, http.StatusOK, map[string]any{"intensity": s.controller.Intensity()})
}

// writeError maps the error taxonomy onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsType(err, errors.ErrorTypeAuth):
		status = http.StatusUnauthorized
	case errors.IsType(err, errors.ErrorTypeNetwork), errors.IsType(err, errors.ErrorTypeTimeout):
		status = http.StatusBadGateway
	case errors.IsType(err, errors.ErrorTypeInternal):
		status = http.StatusConflict
	case errors.IsType(err, errors.ErrorTypeShutdown):
		status = http.StatusGatewayTimeout
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("failed to encode response")
	}
}
