// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/harborpay/reservoir/internal/auth"
	"github.com/harborpay/reservoir/internal/config"
	"github.com/harborpay/reservoir/internal/dedupe"
	"github.com/harborpay/reservoir/internal/health"
	"github.com/harborpay/reservoir/internal/intel"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/ledger"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/metrics"
	"github.com/harborpay/reservoir/internal/ratelimit"
	"github.com/harborpay/reservoir/internal/scoring"
	"github.com/harborpay/reservoir/internal/security"
	"github.com/harborpay/reservoir/internal/ssrf"
	"github.com/harborpay/reservoir/internal/traces"
	"github.com/harborpay/reservoir/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        kv.Store
	memStore     *kv.MemoryStore // non-nil in demo mode, for janitor teardown
	db           *sql.DB         // nil if using in-memory
	guard        *ssrf.Guard
	limiter      *ratelimit.Limiter
	intel        *intel.Service
	ledger       *ledger.Service
	access       auth.AccessProvider
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	traceStop    func(context.Context) error

	narrativeProvider scoring.NarrativeProvider

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithNarrativeProvider sets the narrative collaborator for scan results.
func WithNarrativeProvider(p scoring.NarrativeProvider) Option {
	return func(s *Server) {
		s.narrativeProvider = p
	}
}

// WithAccessProvider overrides the API key resolver (for testing)
func WithAccessProvider(p auth.AccessProvider) Option {
	return func(s *Server) {
		s.access = p
	}
}

// WithGuard overrides the SSRF guard (for testing)
func WithGuard(g *ssrf.Guard) Option {
	return func(s *Server) {
		s.guard = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set logger/guard/access)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgStore := kv.NewPostgresStore(db)
		if err := pgStore.Migrate(context.Background()); err != nil {
			s.logger.Warn("failed to migrate kv store", "error", err)
		}
		s.store = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := kv.NewMemoryStore()
		s.memStore = mem
		s.store = mem
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.guard == nil {
		s.guard = ssrf.New(s.store, cfg.FetchTimeout, cfg.MaxRedirects)
	}
	s.limiter = ratelimit.New(ratelimit.Config{
		Capacity:     cfg.RateLimitCapacity,
		RefillPerSec: cfg.RateLimitRefillPerSec,
		Window:       cfg.RateLimitWindow,
	}, s.store)

	engine := scoring.NewEngine(s.narrativeProvider)
	s.intel = intel.NewService(s.store, s.guard, dedupe.New(), engine, cfg.ScanCacheTTL)

	signer := ledger.NewSigner(cfg.LedgerHMACSecret)
	s.ledger = ledger.NewService(s.store, signer)
	if signer == nil {
		s.logger.Warn("LEDGER_HMAC_SECRET not set, projection records will carry null signatures")
	} else {
		s.logger.Info("projection ledger signing enabled")
	}

	if s.access == nil {
		s.access = auth.NewStaticProvider(cfg.APIKeys, cfg.ProjectionKeys)
	}

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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

func (s *Server) registerHealthChecks() {
	s.healthReg.Register("kv", func(ctx context.Context) health.Status {
		if _, _, err := s.store.Get(ctx, "health:probe"); err != nil {
			return health.Status{Name: "kv", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "kv", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Trace ID
	s.router.Use(s.traceIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) traceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing trace ID (from load balancer, etc.)
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		// Add to context
		ctx := logging.WithTraceID(c.Request.Context(), traceID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Trace-ID", traceID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// V1 API group: resolve identity, then admit
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.access))
	v1.Use(s.limiter.Middleware())

	v1.POST("/scan", s.scanHandler)

	// Projection endpoints require a key with projection access
	merchants := v1.Group("/merchants")
	merchants.Use(validation.HostParamMiddleware())
	merchants.Use(auth.RequireProjectionAccess())
	{
		merchants.GET("/:host/forecast", s.forecastHandler)
		merchants.GET("/:host/ledger", s.ledgerHistoryHandler)
	}
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	traceStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = traceStop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the ledger appender
	go s.ledger.Run(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (ledger appender, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	// Stop the in-memory store janitor
	if s.memStore != nil {
		s.memStore.Stop()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
