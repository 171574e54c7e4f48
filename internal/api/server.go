package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/config"
	"github.com/thoughtmap/internal/llm"
	"github.com/thoughtmap/internal/logging"
	"github.com/thoughtmap/internal/session"
)

// SuggestionQueue schedules suggestion regeneration in the background
type SuggestionQueue interface {
	QueueRegenerateSuggestions(ctx context.Context, mapID, nodeID, model string) (int64, error)
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	addr    string
	manager *session.Manager
	queue   SuggestionQueue
}

// NewServer creates a new API server. queue may be nil, in which case asynchronous
// regeneration is refused.
func NewServer(cfg config.ServerConfig, manager *session.Manager, queue SuggestionQueue) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(logging.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
	}))

	server := &Server{
		echo:    e,
		addr:    cfg.Addr(),
		manager: manager,
		queue:   queue,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	v1.GET("/models", s.listModels)

	// Maps
	v1.GET("/maps", s.listMaps)
	v1.POST("/maps", s.createMap)
	v1.GET("/maps/:id", s.getMap)
	v1.PATCH("/maps/:id", s.renameMap)
	v1.DELETE("/maps/:id", s.deleteMap)
	v1.GET("/maps/:id/view", s.getView)

	// Questions
	v1.POST("/maps/:id/chat", s.chat)
	v1.POST("/maps/:id/chat/stream", s.chatStream)

	// Structure
	v1.PATCH("/maps/:id/nodes/:nodeId", s.patchNode)
	v1.POST("/maps/:id/nodes/:nodeId/collapse", s.collapseNode)
	v1.POST("/maps/:id/nodes/:nodeId/suggestions", s.regenerateSuggestions)
	v1.POST("/maps/:id/merge", s.mergeNodes)
	v1.POST("/maps/:id/edges", s.createEdge)
	v1.DELETE("/maps/:id/edges/:edgeId", s.deleteEdge)
}

// ServeHTTP lets the server be mounted on any http.Server or used in tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until ctx ends or the process is interrupted, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting API server")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) listModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"default": llm.DefaultModel,
		"models":  llm.Models(),
	})
}

// session resolves the :id parameter to a live map session
func (s *Server) session(c echo.Context) (*session.MapSession, error) {
	return s.manager.Session(c.Request().Context(), c.Param("id"))
}
