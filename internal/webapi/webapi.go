// Package webapi is the dashboard's HTTP surface: JSON CRUD over pipeline
// tasks and the integration queue, SSE streams for logs and chat, and
// static asset serving with SPA fallback. Routing follows the Gin shape
// codeready-toolchain-tarsy's cmd/tarsy/main.go and pkg/api/handlers.go
// use for their own dashboard/alert API.
package webapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/neuralcollective/borg/internal/chatstate"
	"github.com/neuralcollective/borg/internal/metrics"
	"github.com/neuralcollective/borg/internal/pipeline"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns the Gin engine and every dependency its handlers need.
type Server struct {
	store   *store.Store
	driver  *pipeline.Driver
	chats   *chatstate.Orchestrator
	web     *transport.WebChannel
	inbox   chan<- transport.IncomingMessage
	metrics *metrics.Registry
	logs    *LogBroadcaster
	logger  *slog.Logger

	engine *gin.Engine
}

// Config bundles a Server's dependencies. StaticDir, when non-empty, is
// served for unmatched GET routes with SPA fallback to index.html.
type Config struct {
	Store     *store.Store
	Driver    *pipeline.Driver
	Chats     *chatstate.Orchestrator
	Web       *transport.WebChannel
	Inbox     chan<- transport.IncomingMessage
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	StaticDir string
	GinMode   string // gin.DebugMode / gin.ReleaseMode / gin.TestMode; default ReleaseMode
}

// New builds the Gin engine and registers every route.
func New(cfg Config) *Server {
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	gin.SetMode(cfg.GinMode)

	s := &Server{
		store:   cfg.Store,
		driver:  cfg.Driver,
		chats:   cfg.Chats,
		web:     cfg.Web,
		inbox:   cfg.Inbox,
		metrics: cfg.Metrics,
		logs:    NewLogBroadcaster(256),
		logger:  cfg.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/tasks", s.listTasks)
		api.POST("/tasks", s.createTask)
		api.GET("/tasks/:id", s.getTask)
		api.DELETE("/tasks/:id", s.deleteTask)
		api.GET("/queue", s.listQueue)
		api.GET("/status", s.getStatus)
		api.POST("/release", s.postRelease)
		api.POST("/chat", s.postChat)
		api.GET("/logs", s.streamLogs)
		api.GET("/chat/stream", s.streamChat)
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if cfg.StaticDir != "" {
		registerStaticRoutes(r, cfg.StaticDir)
	}

	s.engine = r
	return s
}

// Handler returns the http.Handler to hand to http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// Log is called by slog handlers (via a custom io.Writer, or directly by
// IntegratorMain) to fan a structured log line out to dashboard SSE
// subscribers of GET /api/logs.
func (s *Server) Log(line string) {
	s.logs.Publish(line)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.logger == nil {
			return
		}
		s.logger.Debug("webapi_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
