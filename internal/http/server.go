// Package http serves the lexd REST API.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/query"
	"github.com/fyrsmithlabs/lexd/internal/ratelimit"
	"github.com/fyrsmithlabs/lexd/internal/sanitize"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

// Ingestor schedules document ingestion.
type Ingestor interface {
	Ingest(ctx context.Context, documentID string) (string, error)
	Retry(ctx context.Context, documentID string) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*progress.Task, error)
}

// Querier answers questions.
type Querier interface {
	ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error)
}

// Downloader serves stored document bytes.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Deps are the collaborators of the server. Files, Limiter, Checks and
// Gatherer are optional.
type Deps struct {
	Ingestor Ingestor
	Querier  Querier
	Files    Downloader
	Limiter  *ratelimit.Limiter
	Checks   map[string]CheckFunc
	Gatherer prometheus.Gatherer
	Version  string
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Ingestor == nil || deps.Querier == nil {
		return nil, fmt.Errorf("ingestor and querier are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	if s.deps.Files != nil {
		s.echo.GET("/files/*", s.handleFile)
	}

	var limited []echo.MiddlewareFunc
	if s.deps.Limiter != nil {
		limited = append(limited, s.deps.Limiter.Middleware())
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents/:id/ingest", s.handleIngest, limited...)
	v1.POST("/documents/:id/retry", s.handleRetry, limited...)
	v1.GET("/tasks/:id", s.handleTask)
	v1.POST("/query", s.handleQuery, limited...)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// TaskResponse is the body of 202 ingestion replies.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query     string       `json:"query"`
	Filters   QueryFilters `json:"filters"`
	Style     string       `json:"style,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Threshold *float64     `json:"threshold,omitempty"`
	Hybrid    bool         `json:"hybrid,omitempty"`
}

// QueryFilters narrows retrieval.
type QueryFilters struct {
	Institution string   `json:"institution,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.deps.Version}
	status := http.StatusOK
	if len(s.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		resp.Services = make(map[string]string, len(s.deps.Checks))
		for name, check := range s.deps.Checks {
			if err := check(ctx); err != nil {
				resp.Services[name] = "error: " + err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Services[name] = "ok"
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) handleIngest(c echo.Context) error {
	id, err := s.ingestor(c, s.deps.Ingestor.Ingest)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) handleRetry(c echo.Context) error {
	id, err := s.ingestor(c, s.deps.Ingestor.Retry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) ingestor(c echo.Context, fn func(context.Context, string) (string, error)) (string, error) {
	docID := strings.TrimSpace(c.Param("id"))
	if err := sanitize.ValidateDocumentID(docID); err != nil {
		return "", err
	}
	ctx := logging.WithDocumentID(c.Request().Context(), docID)
	return fn(ctx, docID)
}

func (s *Server) handleTask(c echo.Context) error {
	task, err := s.deps.Ingestor.TaskStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user := strings.TrimSpace(c.Request().Header.Get(ratelimit.UserHeader))
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, ratelimit.UserHeader+" header is required")
	}

	resp, err := s.deps.Querier.ProcessQuery(c.Request().Context(), query.Request{
		Query:     req.Query,
		UserID:    user,
		Style:     req.Style,
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Hybrid:    req.Hybrid,
		Filters:   vectorstore.Filters{
			Institution: req.Filters.Institution,
			DocumentIDs: req.Filters.DocumentIDs,
		},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFile(c echo.Context) error {
	key, err := sanitize.ObjectKey(c.Param("*"))
	if err != nil {
		return err
	}
	data, err := s.deps.Files.Download(c.Request().Context(), key)
	if err != nil {
		return err
	}
	contentType := http.DetectContentType(data)
	if strings.HasSuffix(strings.ToLower(key), ".pdf") {
		contentType = "application/pdf"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
