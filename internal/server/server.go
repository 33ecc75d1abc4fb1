// Package server exposes the execution engine over HTTP: run submission and
// status, cancellation, event streaming over SSE and WebSocket, health probes
// and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/stream"
	"github.com/aiflow-go/pkg/config"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
	"github.com/aiflow-go/pkg/ratelimit"
	"github.com/aiflow-go/pkg/telemetry"
)

// RunService is the part of the engine the HTTP surface drives.
type RunService interface {
	SubmitRun(ctx context.Context, def workflow.Definition, inputs map[string]interface{}) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*workflow.RunStatus, error)
	StreamRun(ctx context.Context, runID string) (<-chan stream.Event, error)
	CancelRun(ctx context.Context, runID string) error
	Validate(def workflow.Definition) error
	NodeKinds() map[workflow.NodeKind]workflow.NodeSchema
	ActiveRuns() int
}

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

type Options struct {
	Telemetry *telemetry.Telemetry
	// Limiter bounds run submissions per client; nil disables limiting.
	Limiter ratelimit.RateLimiter
	Probes  map[string]Probe
	Logger  logger.Logger
}

type Server struct {
	config     config.ServerConfig
	runs       RunService
	probes     map[string]Probe
	upgrader   websocket.Upgrader
	logger     logger.Logger
	router     *gin.Engine
	httpServer *http.Server
}

func New(cfg config.ServerConfig, runs RunService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}

	s := &Server{
		config:   cfg,
		runs:     runs,
		probes:   opts.Probes,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		logger:   opts.Logger.Named("http"),
	}
	s.router = s.setupRouter(opts.Telemetry, opts.Limiter)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

func (s *Server) setupRouter(tel *telemetry.Telemetry, limiter ratelimit.RateLimiter) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(tel.HTTPMiddleware())
	router.Use(loggingMiddleware(s.logger))
	router.Use(metricsMiddleware())

	router.GET("/health/live", s.live)
	router.GET("/health/ready", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		submit := []gin.HandlerFunc{s.submitRun}
		if limiter != nil {
			submit = append([]gin.HandlerFunc{ratelimit.Middleware(limiter, ratelimit.APIKeyFunc)}, submit...)
		}
		v1.POST("/runs", submit...)
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.GET("/runs/:id/events", s.streamSSE)
		v1.GET("/runs/:id/ws", s.streamWebSocket)

		v1.POST("/workflows/validate", s.validateWorkflow)
		v1.GET("/node-kinds", s.listNodeKinds)
	}

	return router
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
	}
}
