// Package api is the read-mostly control plane: fleet and pipeline
// inspection, cancellation and approval, health, Prometheus metrics, and a
// websocket stream of monitoring events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
	"github.com/agent-forge/agent-forge/pkg/registry"
	"github.com/agent-forge/agent-forge/pkg/version"
)

// Fleet exposes agent instances. Implemented by the registry.
type Fleet interface {
	Snapshot() []registry.InstanceInfo
}

// Pipelines exposes pipeline records. Implemented by the pipeline store.
type Pipelines interface {
	List() []models.PipelineRecord
	Get(id string) (*models.PipelineRecord, bool)
}

// Canceler aborts running executions. Implemented by the dispatcher.
type Canceler interface {
	Cancel(pipelineID string) bool
}

// Approver handles explicit approval events. Implemented by the reviewer.
type Approver interface {
	Approve(ctx context.Context, pipelineID string) error
}

// Stats exposes rate-limiter counters. Implemented by the limiter.
type Stats interface {
	Stats() ratelimit.Snapshot
}

// HealthFunc reports per-component health. Provided by the supervisor.
type HealthFunc func() map[string]bool

// Deps collects the server's collaborators.
type Deps struct {
	Fleet     Fleet
	Pipelines Pipelines
	Canceler  Canceler
	Approver  Approver
	Stats     Stats
	Monitor   *bus.Bus
	Metrics   *metrics.Metrics
	Health    HealthFunc
}

// Server is the HTTP control plane.
type Server struct {
	cfg    *config.ServerConfig
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg *config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/api/v1")
	v1.GET("/agents", s.listAgents)
	v1.GET("/pipelines", s.listPipelines)
	v1.GET("/pipelines/:id", s.getPipeline)
	v1.POST("/pipelines/:id/cancel", s.cancelPipeline)
	v1.POST("/pipelines/:id/approve", s.approvePipeline)
	v1.GET("/stats", s.stats)
	v1.GET("/health", s.health)

	engine.GET("/health", s.health)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Monitor != nil {
		engine.GET("/ws", s.streamEvents)
	}

	s.http = &http.Server{Addr: cfg.Addr, Handler: engine}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.deps.Fleet.Snapshot()})
}

func (s *Server) listPipelines(c *gin.Context) {
	records := s.deps.Pipelines.List()
	if phase := c.Query("phase"); phase != "" {
		filtered := records[:0]
		for _, r := range records {
			if string(r.Phase) == phase {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": records})
}

func (s *Server) getPipeline(c *gin.Context) {
	rec, ok := s.deps.Pipelines.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelPipeline(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Canceler.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "pipeline is not executing"})
		return
	}
	s.logger.Info("pipeline cancelled via api", "pipeline_id", id)
	c.JSON(http.StatusAccepted, gin.H{"pipeline_id": id, "status": "cancelling"})
}

func (s *Server) approvePipeline(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Approver.Approve(c.Request.Context(), id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, models.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("pipeline approved via api", "pipeline_id", id)
	c.JSON(http.StatusOK, gin.H{"pipeline_id": id, "status": "merged"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    version.Full(),
		"rate_limit": s.deps.Stats.Stats(),
	})
}

func (s *Server) health(c *gin.Context) {
	components := map[string]bool{}
	if s.deps.Health != nil {
		components = s.deps.Health()
	}
	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":    healthy,
		"components": components,
		"version":    version.Full(),
	})
}

// streamEvents upgrades to a websocket and relays monitoring events until
// the client goes away or its bus subscription is dropped for falling
// behind.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.deps.Monitor.Subscribe()
	defer cancel()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
