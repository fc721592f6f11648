// Package server exposes task operations over HTTP and streams bus events to
// observers over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Config configures the HTTP server.
type Config struct {
	Addr        string
	CORSOrigins []string // empty allows all origins
	Debug       bool
	// ShutdownTimeout bounds graceful shutdown (default 10s).
	ShutdownTimeout time.Duration
}

// Deps are the components the handlers operate on.
type Deps struct {
	Graph    *scheduler.Graph
	Pool     *orchestrator.Pool
	Batches  *orchestrator.BatchRunner
	Bus      *events.EventBus
	Gatherer prometheus.Gatherer // nil uses the default registry
	Logger   *slog.Logger
}

// Server serves the REST surface, the event stream, metrics and health.
type Server struct {
	cfg     Config
	graph   *scheduler.Graph
	pool    *orchestrator.Pool
	batches *orchestrator.BatchRunner
	bus     *events.EventBus
	hub     *hub
	engine  *gin.Engine
	logger  *slog.Logger
	started time.Time
}

// New builds a Server and its routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestLogger(logger), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		graph:   deps.Graph,
		pool:    deps.Pool,
		batches: deps.Batches,
		bus:     deps.Bus,
		hub:     newHub(deps.Bus, logger),
		engine:  engine,
		logger:  logger,
		started: time.Now(),
	}
	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	api := s.engine.Group("/api")
	{
		api.GET("/projects/:project/tasks", s.listTasks)
		api.POST("/projects/:project/tasks", s.createTask)
		api.GET("/projects/:project/snapshot", s.snapshot)

		api.GET("/tasks/:id", s.getTask)
		api.PATCH("/tasks/:id/status", s.updateStatus)
		api.POST("/tasks/:id/dependencies", s.addDependency)
		api.POST("/tasks/:id/execute", s.startExecution)
		api.POST("/tasks/:id/stop", s.stopExecution)
		api.POST("/tasks/:id/reset", s.resetTask)

		api.GET("/executions/:id", s.getExecution)

		api.POST("/batches", s.executeBatch)
		api.GET("/batches/:id", s.getBatch)
		api.POST("/batches/:id/cancel", s.cancelBatch)
	}

	s.engine.GET("/ws", s.hub.serve)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/health", s.health)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serving http: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.hub.close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.hub.close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	return <-errCh
}

// Close disconnects every event stream client.
func (s *Server) Close() { s.hub.close() }

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Busy     int    `json:"busy"`
	Capacity int    `json:"capacity"`
	Clients  int    `json:"clients"`
	Sequence int64  `json:"sequence"`
	Dropped  int64  `json:"dropped_events"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Busy:     s.pool.Busy(),
		Capacity: s.pool.Capacity(),
		Clients:  s.hub.count(),
		Sequence: s.bus.Sequence(),
		Dropped:  s.bus.Dropped(),
	})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelInfo
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		)
	}
}
