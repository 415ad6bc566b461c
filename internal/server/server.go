package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/switchboard-sh/switchboard/internal/api/http"
	"github.com/switchboard-sh/switchboard/internal/api/middleware"
	"github.com/switchboard-sh/switchboard/internal/api/ws"
	"github.com/switchboard-sh/switchboard/internal/history"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/monitoring"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/tracing"
	"github.com/switchboard-sh/switchboard/internal/notify"
	"github.com/switchboard-sh/switchboard/internal/pool"
	"github.com/switchboard-sh/switchboard/internal/resource"
	"github.com/switchboard-sh/switchboard/internal/shared/paths"
	"github.com/switchboard-sh/switchboard/internal/transcript"
)

// Server wires the session pool, its collaborators, and the HTTP edge.
type Server struct {
	cfg *config.Config
	log *logging.Logger

	pool      *pool.Manager
	journal   *history.Journal
	forwarder *notify.Forwarder

	unsubscribe func()
	notifyDone  chan struct{}

	router *gin.Engine
	http   *http.Server
}

// NewServer builds a fully wired daemon from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	layout := paths.NewLayout(cfg.Server.DataDir)
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	log.Info("Initializing switchboard",
		zap.String("addr", cfg.Server.Addr),
		zap.String("data_dir", layout.Root),
		zap.Int("capacity", cfg.Pool.Capacity))

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("switchboard", log)

	archiver, err := transcript.NewArchiver(cfg.Transcript, layout.Root, log)
	if err != nil {
		return nil, fmt.Errorf("prepare transcripts: %w", err)
	}

	journal, err := history.Open(cfg.History, layout.Root, log)
	if err != nil {
		return nil, fmt.Errorf("open history journal: %w", err)
	}

	sampler, err := resource.NewProcSampler()
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("open process sampler: %w", err)
	}

	mgr := pool.NewManager(pool.Options{
		Config:   cfg,
		Log:      log,
		Metrics:  metrics,
		Sampler:  sampler,
		Archiver: archiver,
		Journal:  journal,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		log.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(mgr, cfg, log)
	wsHandler := ws.NewHandler(mgr, log, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health and metrics stay open for probes and scrapers; everything
	// that touches sessions sits behind the token when one is set.
	api := router.Group("/api")
	wsGroup := router.Group("/ws")
	if cfg.Auth.TokenHash != "" {
		log.Info("Bearer auth enabled")
		api.Use(middleware.BearerAuth(cfg.Auth.TokenHash))
		wsGroup.Use(middleware.BearerAuth(cfg.Auth.TokenHash))
	}

	api.POST("/sessions", handlers.CreateSession)
	api.GET("/sessions", handlers.ListSessions)
	api.GET("/sessions/:id", handlers.GetSession)
	api.DELETE("/sessions/:id", handlers.DestroySession)
	api.POST("/sessions/:id/input", handlers.SendInput)
	api.POST("/sessions/:id/ack", handlers.Acknowledge)
	api.POST("/sessions/:id/resize", handlers.Resize)
	api.GET("/sessions/:id/output", handlers.Output)
	api.GET("/attention", handlers.Attention)
	api.GET("/history", handlers.History)

	wsGroup.GET("/attention", wsHandler.Attention)
	wsGroup.GET("/sessions/:id", wsHandler.Session)

	return &Server{
		cfg:       cfg,
		log:       log,
		pool:      mgr,
		journal:   journal,
		forwarder: notify.New(cfg.Notify, log),
		router:    router,
	}, nil
}

// Run starts the pool loops and serves HTTP until Shutdown.
func (s *Server) Run() error {
	s.pool.Start()

	if s.forwarder != nil {
		events, cancel := s.pool.Subscribe()
		s.unsubscribe = cancel
		s.notifyDone = make(chan struct{})
		go func() {
			defer close(s.notifyDone)
			s.forwarder.Run(events)
		}()
		s.log.Info("Webhook forwarding enabled")
	}

	s.http = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Starting HTTP server", zap.String("addr", s.cfg.Server.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, destroys every session, drains
// pending webhook deliveries, and closes the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down")

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.log.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}

	// Sessions publish their terminated events here, while the
	// forwarder is still subscribed.
	s.pool.Shutdown(ctx)

	if s.unsubscribe != nil {
		s.unsubscribe()
		select {
		case <-s.notifyDone:
		case <-ctx.Done():
		}
	}
	s.forwarder.Shutdown()

	if err := s.journal.Close(); err != nil {
		s.log.Warn("Journal close failed", zap.Error(err))
	}
	_ = s.log.Sync()
	return nil
}

// Pool exposes the session pool, mainly for tests.
func (s *Server) Pool() *pool.Manager {
	return s.pool
}
