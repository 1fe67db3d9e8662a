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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/paychain/internal/auth"
	"github.com/mbd888/paychain/internal/chain"
	"github.com/mbd888/paychain/internal/config"
	"github.com/mbd888/paychain/internal/health"
	"github.com/mbd888/paychain/internal/identity"
	"github.com/mbd888/paychain/internal/jobs"
	"github.com/mbd888/paychain/internal/logging"
	"github.com/mbd888/paychain/internal/metrics"
	"github.com/mbd888/paychain/internal/ratelimit"
	"github.com/mbd888/paychain/internal/realtime"
	"github.com/mbd888/paychain/internal/security"
	"github.com/mbd888/paychain/internal/settlement"
	"github.com/mbd888/paychain/internal/syncutil"
	"github.com/mbd888/paychain/internal/traces"
	"github.com/mbd888/paychain/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	store        jobs.Store
	attempts     settlement.AttemptStore
	chainClient  settlement.ChainClient
	users        settlement.UserResolver
	directory    jobs.Directory
	jobService   *jobs.Service
	orchestrator *settlement.Orchestrator
	sweeper      *settlement.Sweeper
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithChainClient sets a custom escrow chain client (for testing)
func WithChainClient(cc settlement.ChainClient) Option {
	return func(s *Server) {
		s.chainClient = cc
	}
}

// WithUserResolver sets a custom identity resolver (for testing)
func WithUserResolver(r settlement.UserResolver) Option {
	return func(s *Server) {
		s.users = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain client/logger)
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
		s.store = jobs.NewPostgresStore(db)
		s.attempts = settlement.NewPostgresAttemptStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = jobs.NewMemoryStore()
		s.attempts = settlement.NewMemoryAttemptStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Escrow chain client (skipped when injected for tests)
	if s.chainClient == nil {
		keyring := chain.NewDevKeyring()
		for _, hexKey := range strings.Split(cfg.EmployerDevKeys, ",") {
			hexKey = strings.TrimSpace(hexKey)
			if hexKey == "" {
				continue
			}
			addr, err := keyring.Add(hexKey)
			if err != nil {
				return nil, fmt.Errorf("bad employer dev key: %w", err)
			}
			s.logger.Info("dev keyring loaded employer key", "address", addr.Hex())
		}

		cc, err := chain.New(chain.Config{
			RPCURL:             cfg.RPCURL,
			ChainID:            cfg.ChainID,
			ContractAddr:       cfg.ContractAddress,
			PlatformPrivateKey: cfg.PlatformPrivateKey,
			ConfirmTimeout:     cfg.ConfirmTimeout,
		}, chain.WithKeyring(keyring))
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow client: %w", err)
		}
		s.chainClient = cc
		s.logger.Info("escrow client ready",
			"contract", cc.ContractAddress(),
			"platform", cc.PlatformAddress(),
			"chainId", cfg.ChainID,
		)
	}

	// Identity service client (wallets and display names)
	if s.users == nil {
		// In production the resolver URL must not point at internal
		// infrastructure (cloud metadata endpoints and the like).
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.UserServiceURL); err != nil {
				return nil, fmt.Errorf("unsafe USER_SERVICE_URL: %w", err)
			}
		}
		idc := identity.NewClient(cfg.UserServiceURL, cfg.UserServiceAPIKey)
		s.users = idc
		s.directory = idc
		s.logger.Info("identity client ready", "url", cfg.UserServiceURL)
	}

	// Realtime hub for WebSocket job event streaming
	s.hub = realtime.NewHub(s.logger)

	// Job ledger and settlement share one per-job lock pool; that is what
	// keeps ledger writes and chain calls mutually exclusive.
	locks := syncutil.NewJobLocks()
	s.jobService = jobs.NewService(s.store, s.directory, s.hub, locks, jobs.Limits{
		TitleMin: 5, TitleMax: 200,
		DescMin: 20, DescMax: 5000,
		PayMinUSD: cfg.PayMinUSD, PayMaxUSD: cfg.PayMaxUSD,
		TimeLimitMin: 1, TimeLimitMax: cfg.TimeLimitMax,
		ChecklistMin: 1, ChecklistMax: 20,
	}, jobs.Rates{FeeRate: cfg.FeeRate, USDToETH: cfg.USDToETH})
	s.orchestrator = settlement.NewOrchestrator(s.store, s.attempts, s.chainClient, s.users, locks, s.hub, s.logger)
	s.sweeper = settlement.NewSweeper(s.orchestrator, cfg.SweepInterval, s.logger)

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
	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if !s.chainClient.IsReachable(ctx) {
			return health.Status{Name: "chain", Healthy: false, Detail: "RPC unreachable"}
		}
		return health.Status{Name: "chain", Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Gateway identity headers
	s.router.Use(auth.Middleware())

	// Rate limiting (per user when authenticated, per IP otherwise)
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time job event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	jobHandler := jobs.NewHandler(s.jobService, s.orchestrator)
	settlementHandler := settlement.NewHandler(s.orchestrator, s.store)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	// PUBLIC ROUTES (browse and read, no auth required)
	jobHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (gateway-authenticated users)
	protected := v1.Group("")
	protected.Use(auth.Require())
	jobHandler.RegisterProtectedRoutes(protected)
	settlementHandler.RegisterProtectedRoutes(protected)

	// SERVICE ROUTES (shared-credential, service-to-service)
	privileged := v1.Group("")
	privileged.Use(auth.RequireServiceKey(s.cfg.ServiceAPIKey))
	jobHandler.RegisterPrivilegedRoutes(privileged)
	settlementHandler.RegisterServiceRoutes(privileged)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "PayChain",
		"description": "Gig marketplace with on-chain escrow settlement",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"contract":    s.chainClient.ContractAddress(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing export (no-op when unconfigured)
	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.stopTracing = stop
		}
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"contract", s.chainClient.ContractAddress(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start expiry sweeper
	go s.sweeper.Start(runCtx)

	// Periodic DB pool metrics
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

	// Cancel the context for all background goroutines (hub, sweeper)
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

	// Stop expiry sweeper and rate limiter cleanup
	s.sweeper.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close chain client connection
	if cc, ok := s.chainClient.(*chain.Client); ok {
		_ = cc.Close()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
