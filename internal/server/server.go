package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/runbox/internal/api"
	"github.com/itstheanurag/runbox/internal/config"
	"github.com/itstheanurag/runbox/internal/database"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/limiter"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/service"
	"github.com/itstheanurag/runbox/internal/session"
	"github.com/itstheanurag/runbox/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const limiterCleanupInterval = 5 * time.Minute

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	registry    *languages.Registry
	sandbox     *sandbox.DockerSandbox
	service     *service.Service
	reaper      *worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	defaults, err := conf.Sandbox.Defaults()
	if err != nil {
		return nil, err
	}

	var (
		db       *database.Database
		recorder service.Recorder
	)
	if conf.Db.Enabled {
		db, err = database.New(conf, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		recorder = db
	}

	registry := languages.NewRegistry()
	sb, err := sandbox.NewDockerSandbox(logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	sessions := session.NewManager(session.NewMemoryStore(), sb, registry, defaults, logger)
	exec := executor.NewExecutor(sb, conf.Sandbox.CleanupTimeout(), logger)
	svc := service.New(registry, sessions, exec, queue.NewManager(logger), recorder, logger)

	rl := limiter.NewRateLimiter(
		conf.Limiter.GlobalRPS,
		conf.Limiter.TenantRPS,
		conf.Limiter.TenantBurst,
		conf.Limiter.MaxConcurrent,
		conf.Limiter.MaxPerTenant,
	)

	if !conf.Log.Pretty {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.NewHandler(svc, logger).Register(router, rl.Middleware())

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		db:          db,
		registry:    registry,
		sandbox:     sb,
		service:     svc,
		reaper:      worker.NewWorker(svc, conf.Sandbox.IdleTimeout, conf.Sandbox.ReapInterval, logger),
		rateLimiter: rl,
	}

	return s, nil
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	if s.conf.Sandbox.SweepOrphans {
		n, err := s.sandbox.RemoveManaged(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to sweep leftover containers")
		} else if n > 0 {
			s.logger.Info().Int("containers", n).Msg("removed leftover containers")
		}
	}

	if s.conf.Sandbox.PrePull {
		if err := s.ensureImages(ctx); err != nil {
			return fmt.Errorf("failed to ensure docker images: %w", err)
		}
	}

	go s.reaper.Start(ctx)
	s.rateLimiter.StartCleanup(ctx, limiterCleanupInterval)

	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) ensureImages(ctx context.Context) error {
	langs := s.registry.List()
	uniqueImages := make(map[string]bool)
	for _, l := range langs {
		uniqueImages[l.Config.Image] = true
	}

	for img := range uniqueImages {
		s.logger.Info().Str("image", img).Msg("ensuring image")
		if err := s.sandbox.EnsureImage(ctx, img); err != nil {
			return err
		}
	}

	return nil
}

// Stop drains HTTP requests, then disposes every session before releasing
// the engine and database connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.service.Shutdown(ctx)

	if s.db != nil {
		s.db.Close()
	}
	if err := s.sandbox.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close docker client")
	}

	return shutdownErr
}

func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.Writer.Header().Get(api.RequestIDHeader)).
			Msg("request")
	}
}
