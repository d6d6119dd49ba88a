// Package api exposes the download engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/teledm/teledm/internal/downloader"
	"github.com/teledm/teledm/internal/websocket"
)

// Server handles HTTP requests for the TeleDM API.
type Server struct {
	echo   *echo.Echo
	engine *downloader.Engine
	hub    *websocket.Hub
	logger zerolog.Logger
}

// NewServer creates a new API server instance.
func NewServer(engine *downloader.Engine, hub *websocket.Hub, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		engine: engine,
		hub:    hub,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins listening on the given address.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ws", s.hub.HandleWebSocket)

	v1 := s.echo.Group("/api/v1")

	downloads := v1.Group("/downloads")
	downloads.GET("", s.handleList)
	downloads.POST("", s.handleSubmit)
	downloads.DELETE("/finished", s.handleClearFinished)
	downloads.GET("/:fingerprint", s.handleGet)
	downloads.DELETE("/:fingerprint", s.handleDelete)
	downloads.POST("/:fingerprint/cancel", s.handleCancel)
	downloads.POST("/:fingerprint/retry", s.handleRetry)
}

// handleHealth returns basic liveness information.
// GET /health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.engine.Running(),
		"active":  s.engine.ActiveCount(),
	})
}
