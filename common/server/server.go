// Package server wraps echo with the middleware stack and graceful
// shutdown behavior shared by the controller binary.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
)

// Server wraps echo.Echo with config and logging
type Server struct {
	Echo   *echo.Echo
	config *config.Config
	log    *logger.Logger
}

// New creates a server with the standard middleware stack
func New(cfg *config.Config, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(log))

	e.HTTPErrorHandler = errorHandler(log)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.Service.Name,
		})
	})

	return &Server{Echo: e, config: cfg, log: log}
}

// Start begins serving and blocks until the listener closes
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Service.Port)
	s.log.Info("starting server", "service", s.config.Service.Name, "addr", addr)

	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server start: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server", "service", s.config.Service.Name)
	return s.Echo.Shutdown(ctx)
}

// requestLogger logs each request with latency and status
func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			log.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}

// errorHandler maps apperr values (and echo HTTP errors) to the JSON
// {"detail": ...} body every surface returns.
func errorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		detail := "internal error"

		var appErr *apperr.Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &appErr):
			status = appErr.Status
			detail = appErr.Detail
		case errors.As(err, &httpErr):
			status = httpErr.Code
			detail = fmt.Sprintf("%v", httpErr.Message)
		}

		if status >= http.StatusInternalServerError {
			log.Error("request failed", "path", c.Request().URL.Path, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, map[string]string{"detail": detail})
	}
}
