package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	"github.com/ngoclaw/agentcore/internal/infrastructure/resilience"
	"github.com/ngoclaw/agentcore/internal/interfaces/http/handlers"
)

// Server is the admin/introspection HTTP surface for one Orchestrator. It is
// not a chat transport and never sits on an agent's hot path — it only
// exposes read-only state an operator or dashboard can poll.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config controls how the admin server binds.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the admin server over one Orchestrator's introspection
// accessors.
func NewServer(cfg Config, coordinator *service.RateCoordinator, breakers *resilience.Registry, spawns *agent.Registry, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	admin := handlers.NewAdminHandler(coordinator, breakers, spawns, logger)
	setupRoutes(router, admin)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start begins serving in the background; it does not block.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting admin HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping admin HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, admin *handlers.AdminHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	a := router.Group("/admin")
	{
		a.GET("/status", admin.Status)
		a.GET("/allocations", admin.Allocations)
		a.GET("/circuit", admin.CircuitBreakers)
		a.GET("/agents", admin.Agents)
		a.GET("/agents/:id/children", admin.AgentChildren)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("admin HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
