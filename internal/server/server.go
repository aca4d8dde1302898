// Package server exposes the router, version store, feedback aggregator and
// scheduler over HTTP.
package server

// #region imports
import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-router/internal/config"
	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/observability"
	"github.com/danielpatrickdp/adaptive-router/internal/router"
	"github.com/danielpatrickdp/adaptive-router/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-router/internal/scoring"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #endregion

// #region server-struct

// Deps are the components the HTTP surface fronts. Log, Metrics, Gatherer
// and Logger may be nil.
type Deps struct {
	Store      *state.Store
	Router     *router.Router
	Aggregator *feedback.Aggregator
	Log        feedback.Log
	Scheduler  *scheduler.Scheduler
	Scoring    *scoring.Producer
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Server holds the gin engine and its dependencies.
type Server struct {
	deps    Deps
	config  config.ServerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	engine  *gin.Engine
}

// #endregion

// #region constructor

// New builds the server and registers every route.
func New(deps Deps, cfg config.ServerConfig, serviceName string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "http"),
		now:    time.Now,
	}
	if cfg.FeedbackRPS > 0 {
		burst := cfg.FeedbackBurst
		if burst <= 0 {
			burst = int(cfg.FeedbackRPS)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.FeedbackRPS), max(burst, 1))
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(serviceName), s.requestID(), s.accessLog())
	s.routes(engine)
	s.engine = engine
	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", s.metricsHandler())

	r.POST("/execute", s.execute)

	r.POST("/programs", s.createProgram)
	r.GET("/programs/:tag", s.getProgram)
	r.GET("/programs/:tag/versions", s.listVersions)
	r.POST("/programs/:tag/versions", s.registerVersion)
	r.POST("/programs/:tag/versions/:id/fail", s.failVersion)
	r.POST("/programs/:tag/promote", s.promote)
	r.POST("/programs/:tag/rollback", s.rollback)
	r.POST("/programs/:tag/experiment", s.startExperiment)
	r.POST("/programs/:tag/deprecate", s.deprecate)
	r.GET("/programs/:tag/history", s.history)

	r.POST("/optimize/:tag", s.optimize)
	r.DELETE("/optimize/:tag", s.cancelOptimize)
	r.GET("/optimize/:tag", s.optimizeState)
	r.POST("/evaluate/:tag", s.evaluate)

	ingest := r.Group("/", s.rateLimit())
	ingest.POST("/feedback", s.feedback)
	ingest.POST("/outcomes", s.outcomes)

	r.GET("/decisions/:tag", s.decisions)
	r.GET("/runs/:tag", s.runs)
	r.GET("/feedback/:tag", s.feedbackWindows)
}

// #endregion

// #region middleware

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

// rateLimit sheds feedback ingestion above the configured rate.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"accepted": false, "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	g := s.deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// #endregion
