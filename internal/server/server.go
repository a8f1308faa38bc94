// Package server wires the gateway together: storage, services, routes,
// middleware, and the process lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/emberai/huoyuan/internal/agent"
	"github.com/emberai/huoyuan/internal/auth"
	"github.com/emberai/huoyuan/internal/chat"
	"github.com/emberai/huoyuan/internal/circuitbreaker"
	"github.com/emberai/huoyuan/internal/config"
	"github.com/emberai/huoyuan/internal/conversation"
	"github.com/emberai/huoyuan/internal/credit"
	"github.com/emberai/huoyuan/internal/idgen"
	"github.com/emberai/huoyuan/internal/llm"
	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/metrics"
	"github.com/emberai/huoyuan/internal/moderation"
	"github.com/emberai/huoyuan/internal/persist"
	"github.com/emberai/huoyuan/internal/persona"
	"github.com/emberai/huoyuan/internal/prompt"
	"github.com/emberai/huoyuan/internal/ratelimit"
	"github.com/emberai/huoyuan/internal/response"
	"github.com/emberai/huoyuan/internal/traces"
	"github.com/emberai/huoyuan/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB // nil when running on in-memory stores
	providers *llm.Registry
	queue     *persist.Queue
	limiter   *ratelimit.Limiter

	router         *gin.Engine
	httpSrv        *http.Server
	tracesShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProviders injects a pre-built provider registry. Used by tests to
// substitute scripted upstreams.
func WithProviders(r *llm.Registry) Option {
	return func(s *Server) { s.providers = r }
}

// New builds the full service graph from configuration. Postgres backs
// every store when DATABASE_URL is set; otherwise everything runs
// in-memory for local development.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		creditStore credit.Store
		convStore   conversation.Store
		agentStore  agent.Store
		perStore    persona.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		creditStore = credit.NewPostgresStore(db)
		convStore = conversation.NewPostgresStore(db)
		agentStore = agent.NewPostgresStore(db)
		perStore = persona.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		creditStore = credit.NewMemoryStore()
		convStore = conversation.NewMemoryStore()
		agentStore = agent.NewMemoryStore()
		perStore = persona.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	creditSvc := credit.NewService(creditStore,
		cfg.FreezeRetryMax, time.Duration(cfg.FreezeRetryBaseMS)*time.Millisecond)
	convSvc := conversation.NewService(convStore)
	agentSvc := agent.NewService(agentStore)
	personaSvc := persona.NewService(perStore)

	issuer := auth.NewTokenIssuer(cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMin)*time.Minute)
	identity := auth.NewIdentityClient(cfg.AuthProviderURL, cfg.AuthAppID, cfg.AuthAppSecret)
	authSvc := auth.NewService(authStore, identity, issuer,
		time.Duration(cfg.RefreshTokenTTLH)*time.Hour,
		time.Duration(cfg.TokenGraceSeconds)*time.Second)

	gate, err := moderation.Load(cfg.BlocklistPath)
	if err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	if gate.Size() > 0 {
		s.logger.Info("moderation blocklist loaded", "entries", gate.Size())
	}

	if s.providers == nil {
		s.providers = buildProviders(cfg, s.logger)
	}

	s.queue = persist.NewQueue(convSvc, cfg.PersistWorkers, cfg.PersistQueueCap)

	orch := chat.NewOrchestrator(chat.Deps{
		Credits:        creditSvc,
		Conversations:  convSvc,
		Agents:         agentSvc,
		Personas:       personaSvc,
		Gate:           gate,
		Builder:        prompt.NewBuilder(cfg.SysSoftMax),
		Providers:      s.providers,
		Queue:          s.queue,
		Fees:           chat.NewEstimator(cfg),
		PenaltyPct:     cfg.ModerationPenaltyPct,
		PenaltyMin:     cfg.PenaltyMin,
		StreamTimeout:  time.Duration(cfg.LLMStreamTimeoutS) * time.Second,
		CacheProviders: []string{"claude"},
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(issuer, authSvc, creditSvc, convSvc, agentSvc, personaSvc, orch)

	s.healthy.Store(true)
	return s, nil
}

// buildProviders registers one adapter per configured upstream behind a
// shared circuit breaker, routed by model-name prefix.
func buildProviders(cfg *config.Config, logger *slog.Logger) *llm.Registry {
	connect := time.Duration(cfg.LLMConnectTimeoutS) * time.Second
	reg := llm.NewRegistry(circuitbreaker.New(5, 30*time.Second))

	if cfg.OpenAIAPIKey != "" {
		reg.Register("gpt", llm.NewOpenAI("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, connect), 0.3)
		logger.Info("provider registered", "provider", "openai")
	}
	if cfg.ClaudeAPIKey != "" {
		reg.Register("claude", llm.NewClaude("claude", cfg.ClaudeAPIKey, cfg.ClaudeBaseURL, connect), 0.3)
		logger.Info("provider registered", "provider", "claude")
	}
	if cfg.QwenAPIKey != "" {
		reg.Register("qwen", llm.NewQwen("qwen", cfg.QwenAPIKey, cfg.QwenBaseURL, connect), 0.6)
		logger.Info("provider registered", "provider", "qwen")
	}
	return reg
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		response.AbortError(c, response.CodeInternal, "internal error")
	}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.limiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes(
	issuer *auth.TokenIssuer,
	authSvc *auth.Service,
	creditSvc *credit.Service,
	convSvc *conversation.Service,
	agentSvc *agent.Service,
	personaSvc *persona.Service,
	orch *chat.Orchestrator,
) {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1/client")

	authHandler := auth.NewHandler(authSvc)
	authHandler.RegisterPublicRoutes(api)

	protected := api.Group("")
	protected.Use(auth.Middleware(issuer))
	{
		authHandler.RegisterRoutes(protected)
		credit.NewHandler(creditSvc).RegisterRoutes(protected)
		conversation.NewHandler(convSvc).RegisterRoutes(protected)
		agent.NewHandler(agentSvc).RegisterRoutes(protected)
		persona.NewHandler(personaSvc).RegisterRoutes(protected)
		chat.NewHandler(orch).RegisterRoutes(protected)
	}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler also verifies the database when one is configured.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server and blocks until a shutdown signal or a
// fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = shutdownTraces

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: chat streams stay open for minutes.
		IdleTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests, then the persistence queue, so no
// streamed turn is lost on deploy.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	// Every turn already streamed to a client must reach the database.
	s.queue.Close()
	s.logger.Info("persistence queue drained")

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
