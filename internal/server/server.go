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
	"github.com/mbd888/luxescrow/internal/brokers"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/circuitbreaker"
	"github.com/mbd888/luxescrow/internal/commission"
	"github.com/mbd888/luxescrow/internal/config"
	"github.com/mbd888/luxescrow/internal/dispute"
	"github.com/mbd888/luxescrow/internal/escrow"
	"github.com/mbd888/luxescrow/internal/events"
	"github.com/mbd888/luxescrow/internal/fees"
	"github.com/mbd888/luxescrow/internal/health"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/mbd888/luxescrow/internal/payout"
	"github.com/mbd888/luxescrow/internal/reconciliation"
	"github.com/mbd888/luxescrow/internal/subscription"
	"github.com/mbd888/luxescrow/internal/traces"
	"github.com/mbd888/luxescrow/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	adapter       *chains.Adapter
	bridge        *chains.Bridge
	evm           *chains.EVMBackend // nil when simulated
	quoter        *fees.Quoter
	subscriptions *subscription.Service
	brokers       *brokers.Service
	commission    *commission.Engine
	escrowService *escrow.Service
	disputes      *dispute.Engine
	gaps          *reconciliation.Recorder
	reconciler    *reconciliation.Runner
	hub           *events.Hub
	health        *health.Registry

	escrowTimer       *escrow.Timer
	disputeTimer      *dispute.Timer
	subscriptionTimer *subscription.Timer
	reconcileTimer    *reconciliation.Timer

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

	// Health state
	started atomic.Bool
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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the persistence layer so both storage modes wire the
// services identically.
type stores struct {
	escrows       escrow.Store
	disputes      dispute.Store
	subscriptions subscription.Store
	brokers       brokers.Store
	commissions   commission.RecordStore
	legs          payout.Store
	gaps          reconciliation.GapStore
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	shutdownTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
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
		st = stores{
			escrows:       escrow.NewPostgresStore(db),
			disputes:      dispute.NewPostgresStore(db),
			subscriptions: subscription.NewPostgresStore(db),
			brokers:       brokers.NewPostgresStore(db),
			commissions:   commission.NewPostgresRecordStore(db),
			legs:          payout.NewPostgresStore(db),
			gaps:          reconciliation.NewPostgresStore(db),
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = stores{
			escrows:       escrow.NewMemoryStore(),
			disputes:      dispute.NewMemoryStore(),
			subscriptions: subscription.NewMemoryStore(),
			brokers:       brokers.NewMemoryStore(),
			commissions:   commission.NewMemoryRecordStore(),
			legs:          payout.NewMemoryStore(),
			gaps:          reconciliation.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupChains(); err != nil {
		return nil, err
	}
	if err := s.setupServices(st); err != nil {
		return nil, err
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.setupHealth()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupChains builds the chain adapter. Families without a configured
// RPC endpoint settle against the in-process simulated backend.
func (s *Server) setupChains() error {
	cfg := s.cfg
	reg, err := chains.LoadRegistry(cfg.ChainsFile)
	if err != nil {
		return fmt.Errorf("failed to load chain registry: %w", err)
	}

	opts := []chains.Option{
		chains.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		chains.WithTimeout(cfg.ChainCallTimeout),
		chains.WithLogger(s.logger),
	}

	if cfg.EVMRPCURL != "" {
		evm, err := chains.NewEVMBackend(chains.EVMConfig{RPCURL: cfg.EVMRPCURL, PrivateKey: cfg.EVMPrivateKey})
		if err != nil {
			return fmt.Errorf("failed to create EVM backend: %w", err)
		}
		s.evm = evm
		opts = append(opts, chains.WithBackend(evm))
		s.logger.Info("EVM backend enabled", "signer", evm.Address())
	} else {
		opts = append(opts, chains.WithBackend(chains.NewSimulated(chains.FamilyEVM)))
		s.logger.Warn("EVM chains use the simulated backend (EVM_RPC_URL not set)")
	}

	if cfg.LedgerRPCURL != "" {
		opts = append(opts, chains.WithBackend(chains.NewLedgerBackend(
			chains.NewLedgerRPC(cfg.LedgerRPCURL, cfg.LedgerAccount, cfg.LedgerSecret))))
		s.logger.Info("ledger backend enabled", "account", cfg.LedgerAccount)
	} else {
		opts = append(opts, chains.WithBackend(chains.NewSimulated(chains.FamilyLedger)))
		s.logger.Warn("ledger chains use the simulated backend (LEDGER_RPC_URL not set)")
	}

	// No program-chain signer ships with the server yet.
	opts = append(opts, chains.WithBackend(chains.NewSimulated(chains.FamilyProgram)))

	if cfg.PriceAPIURL != "" {
		opts = append(opts, chains.WithPrices(chains.NewPriceOracle(cfg.PriceAPIURL, time.Minute)))
		s.logger.Info("price oracle enabled", "url", cfg.PriceAPIURL)
	}

	s.adapter = chains.NewAdapter(reg, opts...)
	s.bridge = chains.NewBridge(reg)
	return nil
}

func (s *Server) setupServices(st stores) error {
	cfg := s.cfg
	for chainID, wallet := range cfg.PlatformWallets {
		if err := s.adapter.ValidateAddress(chainID, wallet); err != nil {
			return fmt.Errorf("PLATFORM_WALLETS %s: %w", chainID, err)
		}
	}

	// Realtime hub for WebSocket streaming
	s.hub = events.NewHub(s.logger)

	// Gaps and stuck legs
	s.gaps = reconciliation.NewRecorder(st.gaps, s.logger)
	executor := payout.NewExecutor(st.legs, s.gaps, s.logger)

	// Subscriptions and fee quotes
	s.subscriptions = subscription.NewService(st.subscriptions).WithLogger(s.logger)
	if cfg.StripeSecretKey != "" {
		s.subscriptions.WithBiller(subscription.NewStripeBiller(cfg.StripeSecretKey, cfg.StripePrices))
		s.logger.Info("stripe billing enabled")
	}
	s.quoter = fees.NewQuoter(fees.DefaultSchedule().WithMaxFee(cfg.MaxEscrowFee), s.adapter, s.subscriptions)

	// Brokers and commission splits
	s.brokers = brokers.NewService(st.brokers, brokers.WithLogger(s.logger))
	s.commission = commission.NewEngine(s.brokers, s.adapter, executor, st.commissions, cfg.PlatformWallets,
		commission.WithGapRecorder(s.gaps), commission.WithLogger(s.logger))

	// Arbitration; the escrow service settles resolutions
	policy, err := dispute.ParseTieBreakPolicy(cfg.TieBreakPolicy)
	if err != nil {
		return err
	}
	s.disputes = dispute.NewEngine(st.disputes,
		dispute.WithTieBreak(policy),
		dispute.WithVotingWindow(cfg.DisputeVotingWindow),
		dispute.WithEvents(s.hub),
		dispute.WithLogger(s.logger),
	)

	s.escrowService = escrow.NewService(st.escrows, s.adapter, executor).
		WithDisputes(s.disputes).
		WithFees(s.quoter, cfg.PlatformWallets).
		WithUsage(s.subscriptions).
		WithEvents(s.hub).
		WithGapRecorder(s.gaps).
		WithMinHold(cfg.MinHoldPeriod).
		WithDefaultExpiration(cfg.EscrowExpirationDays).
		WithLogger(s.logger)
	s.disputes.SetSettler(s.escrowService)

	s.reconciler = reconciliation.NewRunner(st.legs, st.escrows, st.gaps, s.logger)

	s.escrowTimer = escrow.NewTimer(s.escrowService, 30*time.Second, s.logger)
	s.disputeTimer = dispute.NewTimer(s.disputes, time.Minute, s.logger)
	s.subscriptionTimer = subscription.NewTimer(s.subscriptions, time.Hour, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, 5*time.Minute, s.logger)

	s.logger.Info("services ready",
		"chains", len(s.adapter.GetSupportedChains()),
		"platformWallets", len(cfg.PlatformWallets),
		"tieBreak", policy,
	)
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}
	s.health.Register("escrow_timer", s.timerChecker("escrow_timer", s.escrowTimer.Running))
	s.health.Register("dispute_timer", s.timerChecker("dispute_timer", s.disputeTimer.Running))
	s.health.Register("subscription_timer", s.timerChecker("subscription_timer", s.subscriptionTimer.Running))
	s.health.Register("reconciliation_timer", s.timerChecker("reconciliation_timer", s.reconcileTimer.Running))
}

// timerChecker only reports a stopped loop once Run has started them.
func (s *Server) timerChecker(name string, running func() bool) health.Checker {
	check := health.RunningChecker(name, running)
	return func(ctx context.Context) health.Status {
		if !s.started.Load() {
			return health.Status{Name: name, Healthy: true, Detail: "not started"}
		}
		return check(ctx)
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

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
			logger.Debug("request completed",
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

	// WebSocket for lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	chains.NewHandler(s.adapter, s.bridge).RegisterRoutes(v1)
	fees.NewHandler(s.quoter).RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)
	disputeHandler.RegisterProtectedRoutes(v1)

	subscriptionHandler := subscription.NewHandler(s.subscriptions)
	subscriptionHandler.RegisterRoutes(v1)
	subscriptionHandler.RegisterProtectedRoutes(v1)

	brokerHandler := brokers.NewHandler(s.brokers)
	brokerHandler.RegisterRoutes(v1)
	brokerHandler.RegisterProtectedRoutes(v1)

	commissionHandler := commission.NewHandler(s.commission)
	commissionHandler.RegisterRoutes(v1)
	commissionHandler.RegisterProtectedRoutes(v1)

	admin := v1.Group("/admin")
	reconciliation.NewHandler(s.gaps, s.reconciler).RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   s.version,
		"checks":    checks,
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
	ids := make([]string, 0)
	for _, ch := range s.adapter.GetSupportedChains() {
		ids = append(ids, ch.ID)
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "luxescrow",
		"version":         s.version,
		"env":             s.cfg.Env,
		"storage":         storage,
		"chains":          ids,
		"platformWallets": s.cfg.PlatformWallets,
		"tieBreakPolicy":  s.cfg.TieBreakPolicy,
		"maxEscrowFee":    s.cfg.MaxEscrowFee.StringFixed(2),
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
	s.started.Store(true)

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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.subscriptionTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
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
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.disputeTimer.Stop()
	s.subscriptionTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	if s.evm != nil {
		s.evm.Close()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
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
