// Package server exposes the evaluator over HTTP: a capability card, an
// agent reset hook, and /act, which runs one session synchronously.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/spachava753/deskeval/internal/models"
)

// Evaluator runs one task. *session.Controller satisfies it.
type Evaluator interface {
	Run(ctx context.Context, task models.TaskDescriptor) models.SessionResult
}

// EvaluatorFactory builds the evaluator for one /act request, applying the
// request's limits and seed.
type EvaluatorFactory func(req ActRequest) Evaluator

// Options configures a Server.
type Options struct {
	Config   models.ServerConfig
	Card     Card
	Health   map[string]any
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server is the evaluator's HTTP surface.
type Server struct {
	cfg      models.ServerConfig
	card     Card
	health   map[string]any
	factory  EvaluatorFactory
	sem      *semaphore.Weighted
	engine   *gin.Engine
	http     *http.Server
	log      zerolog.Logger
	gatherer prometheus.Gatherer
}

// New creates a Server. Routes are registered immediately, so Handler is
// usable without Start.
func New(factory EvaluatorFactory, opts Options) *Server {
	maxConcurrent := opts.Config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      opts.Config,
		card:     opts.Card,
		health:   opts.Health,
		factory:  factory,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		engine:   engine,
		log:      opts.Logger.With().Str("component", "server").Logger(),
		gatherer: opts.Gatherer,
	}
	engine.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(opts.Config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.Config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Auth-Token"}
	engine.Use(cors.New(corsConfig))

	s.http = &http.Server{
		Addr:              opts.Config.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	header := s.engine.Group("/")
	header.Use(s.authMiddleware())
	s.registerAgentRoutes(header)

	path := s.engine.Group("/t/:token")
	path.Use(s.authMiddleware())
	s.registerAgentRoutes(path)
}

func (s *Server) registerAgentRoutes(g *gin.RouterGroup) {
	g.GET("/card", s.handleCard)
	g.GET("/.well-known/agent-card.json", s.handleCard)
	g.POST("/reset", s.handleReset)
	g.POST("/act", s.handleAct)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully. Running
// sessions get shutdownTimeout to finish.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Bool("auth", s.cfg.AuthRequired()).Msg("serving")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	s.log.Info().Msg("server stopped")
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	auth := "off"
	if s.cfg.AuthRequired() {
		auth = "on (header|path)"
	}
	body := gin.H{"ok": true, "auth": auth}
	for k, v := range s.health {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.card)
}

func (s *Server) handleReset(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reset": "ok"})
}

func (s *Server) handleAct(c *gin.Context) {
	var req ActRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid act request: %s", err)})
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	ctx := c.Request.Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled while waiting for a session slot"})
		return
	}
	defer s.sem.Release(1)

	task := req.Task()
	s.log.Info().Str("task_id", task.ID()).Msg("act request accepted")
	result := s.factory(req).Run(ctx, task)
	c.JSON(http.StatusOK, result)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
