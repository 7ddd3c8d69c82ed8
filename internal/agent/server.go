package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	hangarerrors "github.com/wudi/hangar/internal/errors"
	"github.com/wudi/hangar/internal/gpu"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/middleware"
)

// Server is the agent's HTTP surface.
type Server struct {
	agent *Agent
	http  *http.Server
}

// NewServer wires the agent handlers behind the standard middleware chain.
func NewServer(listen string, agent *Agent, metricsHandler http.Handler) *Server {
	router := httprouter.New()
	s := &Server{agent: agent}

	router.HandlerFunc(http.MethodPost, "/run", s.handleRun)
	router.HandlerFunc(http.MethodPost, "/restart", s.handleRestart)
	router.HandlerFunc(http.MethodPost, "/stop", s.handleStop)
	router.HandlerFunc(http.MethodPost, "/remove_route", s.handleRemoveRoute)
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	router.Handler(http.MethodGet, "/metrics", metricsHandler)

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{SkipPaths: []string{"/metrics", "/healthz"}}),
	)

	s.http = &http.Server{
		Addr:         listen,
		Handler:      chain.Then(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Info("agent listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeDetail(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		hangarerrors.ErrBadRequest.WriteJSON(w)
		return
	}
	s.dispatchRun(w, r, req)
}

// handleRestart mirrors /run; the reuse_image flag in the body makes the
// build step a no-op for container kinds.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		hangarerrors.ErrBadRequest.WriteJSON(w)
		return
	}
	s.dispatchRun(w, r, req)
}

func (s *Server) dispatchRun(w http.ResponseWriter, r *http.Request, req RunRequest) {
	if err := s.agent.Run(req); err != nil {
		logging.App(req.AppID).Error("run dispatch failed", zap.Error(err))
		if errors.Is(err, gpu.ErrNoCapacity) {
			hangarerrors.ErrInternalServer.WithDetails("insufficient gpu capacity").WriteJSON(w)
			return
		}
		hangarerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeDetail(w, "accepted")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		hangarerrors.ErrBadRequest.WriteJSON(w)
		return
	}
	if !s.agent.Stop(req.AppID) {
		hangarerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeDetail(w, "stopped")
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		hangarerrors.ErrBadRequest.WriteJSON(w)
		return
	}
	if err := s.agent.RemoveRoute(req.AppID); err != nil {
		hangarerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeDetail(w, "removed")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeDetail(w, "ok")
}
