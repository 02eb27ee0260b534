// Package server exposes the studio engine over HTTP: project, artifact,
// task, and checkpoint operations, the blocking report, audit queries,
// webhook registration, the gateway queue, and a live event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/audit"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/config"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/psmp"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/queue"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/state"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// Dependencies carries the wired engine components the server fronts.
type Dependencies struct {
	Store      storage.Backend
	Manager    *state.Manager
	Engine     psmp.Engine
	Auditor    *audit.Auditor
	Hub        *events.Hub
	Queue      *queue.GatewayQueue
	Worker     *queue.Worker
	Dispatcher *webhook.Dispatcher
}

// Server is the HTTP front end.
type Server struct {
	config config.ServerConfig
	deps   Dependencies
	echo   *echo.Echo
	logger *zap.Logger
}

// NewServer builds the router. Manager, Engine, and Hub are required; the
// remaining dependencies gate their route groups.
func NewServer(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("storage backend is required")
	}
	if deps.Manager == nil {
		return nil, errors.New("state manager is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("psmp engine is required")
	}
	if deps.Hub == nil {
		return nil, errors.New("event hub is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config: cfg,
		deps:   deps,
		echo:   e,
		logger: logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api/v1")

	api.POST("/projects", s.handleCreateProject)
	api.GET("/projects/:id", s.handleGetProject)
	api.POST("/projects/:id/status", s.handleSetProjectStatus)
	api.GET("/projects/:id/blocking-report", s.handleBlockingReport)

	api.POST("/projects/:id/artifacts", s.handleCreateArtifact)
	api.GET("/artifacts/:id", s.handleGetArtifact)
	api.POST("/artifacts/:id/versions", s.handleUpdateArtifact)
	api.POST("/conflicts/:id/resolve", s.handleResolveConflict)

	api.POST("/projects/:id/tasks", s.handleCreateTask)
	api.POST("/tasks/:id/status", s.handleUpdateTaskStatus)

	api.POST("/projects/:id/checkpoints", s.handleCreateCheckpoint)
	api.GET("/projects/:id/checkpoints", s.handleListCheckpoints)
	api.POST("/checkpoints/:id/restore", s.handleRestoreCheckpoint)

	api.GET("/events/stream", s.handleEventStream)

	if s.deps.Auditor != nil {
		api.GET("/audit/trail", s.handleAuditTrail)
		api.GET("/audit/report", s.handleComplianceReport)
	}
	if s.deps.Dispatcher != nil {
		api.POST("/webhooks", s.handleRegisterWebhook)
		api.GET("/webhooks", s.handleListWebhooks)
		api.DELETE("/webhooks/:id", s.handleUnregisterWebhook)
	}
	if s.deps.Queue != nil && s.deps.Worker != nil {
		api.POST("/jobs", s.handleEnqueueJob)
		api.POST("/gateway/run", s.handleRunWorker)
		api.GET("/gateway/results", s.handleDrainResults)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "terraqore-studio",
	})
}

// Start runs the listener and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
