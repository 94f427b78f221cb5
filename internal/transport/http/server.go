// Package httpapi is the thin HTTP/WebSocket transport skin over the
// session core: it mounts the SessionCommanding surface as REST routes
// and the SessionSubscribing surface plus the runner protocol as
// websocket endpoints. The core's contracts live in pkg/...; nothing in
// this package touches the store's internals beyond the interfaces the
// core already exposes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wuhu-labs/wuhu/pkg/runnerwire"
	"github.com/wuhu-labs/wuhu/pkg/sessionactor"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/subscribe"
	"github.com/wuhu-labs/wuhu/pkg/version"
)

// HealthChecker reports the durable store's connectivity for the health
// endpoint. The Postgres store's Health method satisfies it; the result
// is rendered as-is.
type HealthChecker interface {
	Health(ctx context.Context) (any, error)
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	store     store.Store
	registry  *sessionactor.Registry
	sub       *subscribe.Engine
	runnerHub *runnerwire.Hub
	health    HealthChecker

	log *slog.Logger
}

// NewServer wires the transport to the core's surfaces and registers all
// routes.
func NewServer(s store.Store, registry *sessionactor.Registry, sub *subscribe.Engine, runnerHub *runnerwire.Hub, health HealthChecker) *Server {
	srv := &Server{
		router:    gin.New(),
		store:     s,
		registry:  registry,
		sub:       sub,
		runnerHub: runnerHub,
		health:    health,
		log:       slog.With("component", "httpapi"),
	}
	srv.router.Use(gin.Recovery())
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.POST("/sessions", s.createSessionHandler)
		api.GET("/sessions", s.listSessionsHandler)
		api.GET("/sessions/:id", s.getSessionHandler)
		api.GET("/sessions/:id/transcript", s.getTranscriptHandler)

		api.POST("/sessions/:id/enqueue", s.enqueueHandler)
		api.POST("/sessions/:id/enqueue-system", s.enqueueSystemHandler)
		api.POST("/sessions/:id/cancel", s.cancelHandler)
		api.POST("/sessions/:id/model", s.setModelHandler)
		api.POST("/sessions/:id/stop", s.stopHandler)

		api.POST("/environments", s.createEnvironmentHandler)
		api.GET("/environments", s.listEnvironmentsHandler)
		api.GET("/environments/:id", s.getEnvironmentHandler)
		api.PUT("/environments/:id", s.updateEnvironmentHandler)
		api.DELETE("/environments/:id", s.deleteEnvironmentHandler)
	}

	s.router.GET("/ws/sessions/:id", s.subscribeHandler)
	s.router.GET("/ws/runner", s.runnerHandler)
}

// Handler exposes the underlying router, for tests and for callers that
// mount the API under their own mux.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", addr, "version", version.Full())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
