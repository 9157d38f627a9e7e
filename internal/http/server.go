// Package http serves the orbit task API over echo.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	Advance(ctx context.Context, req orchestrator.AdvanceRequest) (*orchestrator.Reply, error)
	Status(ctx context.Context, taskID string) (*orchestrator.Status, error)
	Tasks(ctx context.Context, userID string) ([]checkpoint.Summary, error)
}

// Catalog lists registered capabilities.
type Catalog interface {
	Descriptors() []capability.Descriptor
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	service Service
	catalog Catalog
	stream  *events.Broadcaster
	logger  *zap.Logger
	config  *Config
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables the websocket event stream.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Server) { s.stream = b }
}

// WithMetrics records OpenTelemetry request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.echo.Use(m.Middleware()) }
}

// NewServer creates a new HTTP server.
func NewServer(service Service, catalog Catalog, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request.id", rid),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		catalog: catalog,
		logger:  logger,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreate)
	v1.GET("/tasks/:id", s.handleStatus)
	v1.POST("/tasks/:id/messages", s.handleMessage)
	v1.POST("/tasks/:id/confirm", s.handleConfirm)
	v1.GET("/tasks/:id/events", s.handleEvents)
	v1.GET("/users/:user/tasks", s.handleList)
	v1.GET("/capabilities", s.handleCapabilities)
}

// Echo exposes the router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// MessageRequest is the body of the create, message and confirm routes.
type MessageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// TaskList is the response of GET /api/v1/users/:user/tasks.
type TaskList struct {
	UserID string               `json:"user_id"`
	Tasks  []checkpoint.Summary `json:"tasks"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreate(c echo.Context) error {
	return s.advance(c, task.NewID(), false)
}

func (s *Server) handleMessage(c echo.Context) error {
	return s.advance(c, c.Param("id"), false)
}

func (s *Server) handleConfirm(c echo.Context) error {
	return s.advance(c, c.Param("id"), true)
}

func (s *Server) advance(c echo.Context, taskID string, resume bool) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	reply, err := s.service.Advance(c.Request().Context(), orchestrator.AdvanceRequest{
		TaskID:  taskID,
		UserID:  req.UserID,
		Message: req.Message,
		Resume:  resume,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.service.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleList(c echo.Context) error {
	user := c.Param("user")
	list, err := s.service.Tasks(c.Request().Context(), user)
	if err != nil {
		return err
	}
	if list == nil {
		list = []checkpoint.Summary{}
	}
	return c.JSON(http.StatusOK, TaskList{UserID: user, Tasks: list})
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Descriptors())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, orchestrator.ErrTaskBusy):
		return http.StatusConflict, "task is busy, retry later"
	case errors.Is(err, checkpoint.ErrConflict):
		return http.StatusConflict, "task was changed by another request, retry later"
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrUserMismatch):
		return http.StatusForbidden, "task belongs to another user"
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound, "task not found"
	case errors.Is(err, checkpoint.ErrCorrupt):
		return http.StatusGone, orchestrator.SessionExpiredText
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", append(logging.ContextFields(c.Request().Context()), zap.Error(err))...)
		}
		body := ErrorResponse{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
