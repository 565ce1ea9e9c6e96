// Package api exposes reframe jobs and analyses over HTTP and WebSocket.
package api

import (
	"errors"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

// Documents loads persisted analyses.
type Documents interface {
	LoadDocument(videoID string) (*analysis.Document, error)
}

// Server is the job API.
type Server struct {
	app       *fiber.App
	jobs      *jobs.Manager
	documents Documents
	logger    zerolog.Logger
}

// NewServer wires the routes. documents may be nil.
func NewServer(manager *jobs.Manager, documents Documents, logger zerolog.Logger) *Server {
	s := &Server{
		jobs:      manager,
		documents: documents,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "reframer",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Get("/health", s.handleHealth)

	// API routes
	api := app.Group("/api")
	api.Post("/reframe", s.handleReframe)
	api.Get("/jobs", s.handleListJobs)
	api.Get("/jobs/:id", s.handleJobStatus)
	api.Get("/jobs/:id/result", s.handleJobResult)
	api.Get("/analyses/:video_id", s.handleAnalysis)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", websocket.New(s.handleJobWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= 500 {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
