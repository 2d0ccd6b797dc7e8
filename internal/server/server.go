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

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/assets"
	"github.com/halcyonhq/backoffice/internal/config"
	"github.com/halcyonhq/backoffice/internal/identity"
	"github.com/halcyonhq/backoffice/internal/logging"
	"github.com/halcyonhq/backoffice/internal/marketplace"
	"github.com/halcyonhq/backoffice/internal/metrics"
	"github.com/halcyonhq/backoffice/internal/payments"
	"github.com/halcyonhq/backoffice/internal/traces"
	"github.com/halcyonhq/backoffice/internal/validation"
	"github.com/halcyonhq/backoffice/internal/verification"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	accountStore accounts.Store
	assetStore   assets.Store

	marketService *marketplace.Service
	marketTimer   *marketplace.Timer

	verifService *verification.Service
	verifTimer   *verification.Timer

	payments payments.Provider
	identity identity.Provider

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc

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

// WithPaymentProvider overrides the payment provider (for testing)
func WithPaymentProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.payments = p
	}
}

// WithIdentityProvider overrides the identity provider (for testing)
func WithIdentityProvider(p identity.Provider) Option {
	return func(s *Server) {
		s.identity = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		marketStore marketplace.Store
		verifStore  verification.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.accountStore = accounts.NewPostgresStore(db)
		s.assetStore = assets.NewPostgresStore(db)
		marketStore = marketplace.NewPostgresStore(db)
		verifStore = verification.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.accountStore = accounts.NewMemoryStore()
		s.assetStore = assets.NewMemoryStore()
		marketStore = marketplace.NewMemoryStore()
		verifStore = verification.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment provider (Stripe in production, recording fake otherwise)
	if s.payments == nil {
		if cfg.StripeSecretKey != "" {
			s.payments = payments.NewStripeProvider(cfg.StripeSecretKey)
			s.logger.Info("stripe payments enabled")
		} else {
			s.payments = payments.NewFakeProvider()
			s.logger.Warn("no STRIPE_SECRET_KEY set, using fake payment provider")
		}
	}

	// Identity verification provider
	if s.identity == nil {
		if cfg.PersonaAPIKey != "" {
			s.identity = identity.NewPersonaClient(cfg.PersonaBaseURL, cfg.PersonaAPIKey)
			s.logger.Info("identity verification enabled", "baseUrl", cfg.PersonaBaseURL)
		} else {
			s.identity = identity.NewFakeProvider()
			s.logger.Warn("no PERSONA_API_KEY set, using fake identity provider")
		}
	}

	// Verification reconciler with poll-sync timer
	s.verifService = verification.NewService(
		verifStore, s.accountStore, s.identity,
		cfg.PersonaKYCTemplate, cfg.PersonaKYBTemplate,
	)
	if cfg.IsDevelopment() {
		s.verifService = s.verifService.WithDegradedMode(true)
	}
	s.verifTimer = verification.NewTimer(s.verifService, verification.DefaultSyncInterval, s.logger)

	// Marketplace engine with offer-expiry sweep
	s.marketService = marketplace.NewService(marketStore, s.accountStore, s.assetStore, s.payments).
		WithKYBChecker(s.verifService)
	s.marketTimer = marketplace.NewTimer(s.marketService, cfg.OfferSweepInterval, s.logger)

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

	// Request size limit: 1MB for JSON, 10MB for document uploads
	s.router.Use(func(c *gin.Context) {
		limit := int64(validation.MaxRequestSize)
		if strings.HasSuffix(c.Request.URL.Path, "/verification/documents") {
			limit = validation.MaxUploadSize
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	})

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

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

// accountAuthMiddleware resolves the caller's account. The back office sits
// behind the platform gateway, which authenticates the end user and forwards
// the account id in X-Account-ID (Bearer tokens carrying the id directly are
// accepted for tooling).
func (s *Server) accountAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetHeader("X-Account-ID")
		if accountID == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				accountID = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if accountID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing account credentials",
			})
			return
		}

		if _, err := s.accountStore.Get(c.Request.Context(), accountID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown account",
			})
			return
		}

		c.Set("authAccountID", accountID)
		c.Next()
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

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES
	accountHandler := accounts.NewHandler(s.accountStore)
	accountHandler.RegisterPublicRoutes(v1)

	// Provider webhooks authenticate by signature, not account
	verifHandler := verification.NewHandler(s.verifService, s.cfg.PersonaWebhookSecret)
	verifHandler.RegisterWebhookRoutes(v1)
	marketHandler := marketplace.NewHandler(s.marketService, s.cfg.StripeWebhookSecret)
	marketHandler.RegisterWebhookRoutes(v1)

	// PROTECTED ROUTES (require an authenticated account)
	protected := v1.Group("")
	protected.Use(s.accountAuthMiddleware())

	accountHandler.RegisterRoutes(protected)
	assets.NewHandler(s.assetStore).RegisterRoutes(protected)
	marketHandler.RegisterRoutes(protected)
	verifHandler.RegisterRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Halcyon Back Office",
		"description": "Marketplace and verification services for wealth management",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Offer-expiry sweep
	go s.marketTimer.Start(runCtx)

	// Verification poll-sync sweep
	go s.verifTimer.Start(runCtx)

	// DB pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.marketTimer != nil {
		s.marketTimer.Stop()
		s.logger.Info("offer sweep timer stopped")
	}
	if s.verifTimer != nil {
		s.verifTimer.Stop()
		s.logger.Info("verification sync timer stopped")
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
