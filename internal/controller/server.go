package controller

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/middleware"
)

// authExemptPaths lists endpoints reachable without a bearer token: the
// login/register pair, the agent's callback endpoints (the agent holds no
// token), and the scrape/health surface.
var authExemptPaths = []string{
	"/login",
	"/register",
	"/status",
	"/update_status",
	"/heartbeat",
	"/metrics",
	"/healthz",
}

// Server is the controller's HTTP surface: the deployment API plus the
// bundled single-page frontend, if one is configured.
type Server struct {
	controller *Controller
	router     *httprouter.Router
	http       *http.Server
}

// NewServer registers all controller routes behind the standard middleware
// chain and bearer auth.
func NewServer(listen string, c *Controller, metricsHandler http.Handler) *Server {
	router := httprouter.New()
	s := &Server{controller: c, router: router}

	router.POST("/upload", c.handleUpload)
	router.GET("/status", c.handleStatus)
	router.GET("/logs/:id", c.handleLogs)
	router.POST("/update_status", c.handleUpdateStatus)
	router.POST("/heartbeat", c.handleHeartbeat)
	router.POST("/stop", c.handleStopBody)
	router.POST("/stop/:id", c.handleStopByID)
	router.POST("/restart/:id", c.handleRestart)
	router.DELETE("/apps/:id", c.handleDeleteApp)
	router.POST("/edit_app", c.handleEditApp)

	router.POST("/templates", c.handleCreateTemplate)
	router.GET("/templates", c.handleListTemplates)
	router.DELETE("/templates/:id", c.handleDeleteTemplate)
	router.POST("/deploy_template/:id", c.handleDeployTemplate)
	router.POST("/save_template/:id", c.handleSaveTemplate)
	router.POST("/edit_template", c.handleEditTemplate)

	router.POST("/login", c.handleLogin)
	router.POST("/register", c.handleRegister)
	router.GET("/users", c.handleListUsers)
	router.GET("/users/me", c.handleCurrentUser)
	router.DELETE("/users/:id", c.handleDeleteUser)
	router.POST("/users/:id/reset_password", c.handleResetPassword)

	router.Handler(http.MethodGet, "/metrics", metricsHandler)
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, map[string]string{"detail": "ok"})
	})

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{SkipPaths: []string{"/metrics", "/healthz"}}),
		middleware.BearerAuth(c.issuer, authExemptPaths...),
	)
	api := chain.Then(router)

	handler := api
	if spa := s.frontendHandler(); spa != nil {
		handler = s.withFrontend(api, spa)
	}

	s.http = &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // uploads can be large
	}
	return s
}

// frontendHandler serves the bundled SPA, falling back to index.html for
// client-side routes. Returns nil when no frontend directory is configured.
func (s *Server) frontendHandler() http.Handler {
	dir := s.controller.cfg.FrontendDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		return nil
	}
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(r.URL.Path, "/")))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

// withFrontend sends API routes through the middleware chain and everything
// else to the SPA. Static assets stay outside bearer auth.
func (s *Server) withFrontend(api http.Handler, spa http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, _, tsr := s.router.Lookup(r.Method, r.URL.Path); h != nil || tsr {
			api.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			spa.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Info("controller listening", zap.String("addr", s.http.Addr))
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
