// Package api hosts the fiber HTTP servers: the run status server and the
// field stub that stands in for the ML service and the ingestion API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// ServerConfig holds server timeouts
type ServerConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       int
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		BodyLimit:       64 * 1024 * 1024,
	}
}

// server is the listener lifecycle shared by both servers
type server struct {
	app    *fiber.App
	logger zerolog.Logger
	addr   string
	ln     net.Listener
	errCh  chan error
}

func newApp(name string, cfg ServerConfig, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:                      name,
		ReadTimeout:                  cfg.ReadTimeout,
		WriteTimeout:                 cfg.WriteTimeout,
		IdleTimeout:                  cfg.IdleTimeout,
		BodyLimit:                    cfg.BodyLimit,
		DisableStartupMessage:        true,
		DisablePreParseMultipartForm: true,
		ErrorHandler:                 customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Content-Encoding,X-Tenant-ID",
	}))

	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	return app
}

// Start binds addr and serves in the background. Bind errors are returned
// here rather than from the serving goroutine.
func (s *server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.errCh = make(chan error, 1)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	go func() {
		s.errCh <- s.app.Listener(ln)
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-s.errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// App returns the underlying fiber app
func (s *server) App() *fiber.App { return s.app }

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if status >= 400 {
			ev := logger.Warn()
			if status >= 500 {
				ev = logger.Error()
			}
			ev.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
