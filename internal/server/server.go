// Package server sets up the HTTP server with all routes
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

	"github.com/mbd888/stakeledger/internal/auth"
	"github.com/mbd888/stakeledger/internal/chain"
	"github.com/mbd888/stakeledger/internal/clock"
	"github.com/mbd888/stakeledger/internal/config"
	"github.com/mbd888/stakeledger/internal/custody"
	"github.com/mbd888/stakeledger/internal/health"
	"github.com/mbd888/stakeledger/internal/logging"
	"github.com/mbd888/stakeledger/internal/metrics"
	"github.com/mbd888/stakeledger/internal/ratelimit"
	"github.com/mbd888/stakeledger/internal/realtime"
	"github.com/mbd888/stakeledger/internal/retry"
	"github.com/mbd888/stakeledger/internal/rewardpool"
	"github.com/mbd888/stakeledger/internal/security"
	"github.com/mbd888/stakeledger/internal/staking"
	"github.com/mbd888/stakeledger/internal/traces"
	"github.com/mbd888/stakeledger/internal/validation"
)

// VaultAddress is the custody account of the in-memory collection.
const VaultAddress = "0x000000000000000000000000000000000000c057"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	clock      staking.Clock
	closeClock func()
	signer     *chain.Signer       // nil without contracts
	vault      *custody.Vault      // nil with contracts
	pool       *rewardpool.Pool    // nil with contracts
	token      staking.RewardToken // pool or ERC-20 payer

	staking       *staking.Service
	monitor       *staking.Monitor
	authMgr       *auth.Manager
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	traceShutdown func(context.Context) error

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithClock replaces the configured tick source (for testing)
func WithClock(clk staking.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithVersion sets the build version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		stakeStore staking.Store
		poolStore  rewardpool.Store
		authStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		stakeStore = staking.NewPostgresStore(db)
		poolStore = rewardpool.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		stakeStore = staking.NewMemoryStore()
		poolStore = rewardpool.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Custody and payouts
	var custodian staking.Custodian
	vaultAddr := ""
	if cfg.UsesChain() {
		signer, err := chain.NewSigner(ctx, chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect signer: %w", err)
		}
		s.signer = signer
		nft, err := chain.NewERC721Custodian(signer, cfg.CollectionContract)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		payer, err := chain.NewERC20Payer(signer, cfg.RewardTokenContract)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		custodian, s.token = nft, payer
		s.logger.Info("chain custody enabled",
			"custody", signer.Address().Hex(),
			"collection", cfg.CollectionContract,
			"reward_token", cfg.RewardTokenContract,
		)
	} else {
		s.vault = custody.NewVault(VaultAddress)
		s.pool = rewardpool.New(poolStore, s.logger)
		custodian, s.token = s.vault, s.pool
		vaultAddr = s.vault.Address()
		s.logger.Info("in-memory vault and reward pool enabled", "vault", vaultAddr)
	}

	// Tick source
	if s.clock == nil {
		clk, closeClock, err := s.newClock(ctx)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.clock, s.closeClock = clk, closeClock
	}

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTELEndpoint,
		Version:     s.version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithOrigins(cfg.CORSOrigins))

	svc, err := staking.New(ctx, staking.Config{
		Store:       stakeStore,
		Custodian:   custodian,
		RewardToken: s.token,
		Clock:       s.clock,
		Events:      s.realtimeHub,
		Logger:      s.logger,
		Genesis:     cfg.Genesis(vaultAddr),
	})
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	s.staking = svc
	s.monitor = staking.NewMonitor(svc, cfg.MonitorInterval, s.logger)

	s.authMgr = auth.NewManager(authStore)
	if cfg.AdminAPIKey != "" {
		if _, err := s.authMgr.ImportKey(ctx, cfg.AdminAPIKey, cfg.Administrator, "administrator"); err != nil {
			s.closeAll()
			return nil, fmt.Errorf("failed to seed admin key: %w", err)
		}
		s.logger.Info("administrator API key seeded", "address", cfg.Administrator)
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Probe("database", s.db.PingContext))
	}
	s.health.Register("clock", health.Probe("clock", func(ctx context.Context) error {
		_, err := s.clock.Now(ctx)
		return err
	}))
	s.health.RegisterAdvisory("reward_token", health.Probe("reward_token", func(ctx context.Context) error {
		_, err := s.token.BalanceOf(ctx)
		return err
	}))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openDB opens the pool and waits for the database to accept connections.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) newClock(ctx context.Context) (staking.Clock, func(), error) {
	switch s.cfg.ClockMode {
	case config.ClockChain:
		if s.signer != nil {
			return clock.NewChain(s.signer.Client()), nil, nil
		}
		clk, closeFn, err := clock.DialChain(ctx, s.cfg.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial chain clock: %w", err)
		}
		return clk, closeFn, nil
	default:
		bt, err := clock.NewBlockTime(s.cfg.ClockGenesis, s.cfg.BlockInterval)
		if err != nil {
			return nil, nil, err
		}
		return clock.NewMonotonic(bt), nil, nil
	}
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// closeAll releases connections opened by a partially built server.
func (s *Server) closeAll() {
	if s.closeClock != nil {
		s.closeClock()
	}
	if s.signer != nil {
		s.signer.Close()
	}
	s.closeDB()
}

// maskDSN hides the password in a URL connection string for logging.
// Key/value DSNs are masked whole.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	return u.Redacted()
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket stream of committed ledger events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	stakingHandler := staking.NewHandler(s.staking)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware(), validation.ItemParamMiddleware())
	v1.GET("/info", s.infoHandler)
	v1.GET("/auth/info", authHandler.Info)
	if s.cfg.IsDevelopment() {
		v1.POST("/keys", authHandler.IssueKey)
	}
	stakingHandler.RegisterRoutes(v1)

	var poolHandler *rewardpool.Handler
	if s.pool != nil {
		poolHandler = rewardpool.NewHandler(s.pool, s.staking)
		poolHandler.RegisterRoutes(v1)
	}
	var vaultHandler *custody.Handler
	if s.vault != nil {
		vaultHandler = custody.NewHandler(s.vault, s.staking)
		vaultHandler.RegisterRoutes(v1)
	}

	// Everything below acts as the API key's address
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), s.rateLimiter.Middleware())
	authHandler.RegisterRoutes(protected)
	stakingHandler.RegisterProtectedRoutes(protected)
	stakingHandler.RegisterAdminRoutes(protected)
	if poolHandler != nil {
		poolHandler.RegisterAdminRoutes(protected)
	}
	if vaultHandler != nil {
		vaultHandler.RegisterAdminRoutes(protected)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	health.Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// healthHandler answers 503 only when a critical check fails.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !report.OK() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Report:    report,
		Version:   s.version,
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
	custodyMode := "vault"
	if s.signer != nil {
		custodyMode = "chain"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "stakeledger",
		"description": "NFT staking ledger with a piecewise reward schedule",
		"version":     s.version,
		"clock":       s.cfg.ClockMode,
		"custody":     custodyMode,
		"chainId":     s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		params := s.staking.Parameters()
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"administrator", params.Administrator,
			"collection", params.Collection,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.monitor.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the hub, monitor and DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.monitor.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	if s.closeClock != nil {
		s.closeClock()
	}
	if s.signer != nil {
		s.signer.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
