// Package server wires the bond market together and serves its HTTP API.
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
	"github.com/redis/go-redis/v9"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/activity"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/auth"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/chain"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/config"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/health"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/lock"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/notify"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/ratelimit"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/realtime"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/security"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/store"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/traces"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/validation"
)

const version = "0.1.0"

// marketStore is everything the services read and write. Both the
// in-memory and Postgres stores satisfy it.
type marketStore interface {
	bonds.Store
	offers.Store
	settlement.Store
	activity.Reader
	activity.Directory
	UpsertUser(ctx context.Context, id, displayName string) error
}

var (
	_ marketStore = (*store.Memory)(nil)
	_ marketStore = (*store.Postgres)(nil)
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	cfg          *config.Config
	store        marketStore
	chain        chain.Client
	closeChain   func()
	redis        *redis.Client
	kafka        *notify.Kafka
	realtimeHub  *realtime.Hub
	bonds        *bonds.Service
	offers       *offers.Service
	coordinator  *settlement.Coordinator
	sweeper      *settlement.Sweeper
	ledger       *activity.Aggregator
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil when running in memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc // stops background work started in Run

	ready   atomic.Bool
	healthy atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChain replaces the chain client chosen from config.
func WithChain(c chain.Client) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New builds the server and every dependency named in cfg. Missing
// optional infrastructure (database, Redis, Kafka, chain endpoint) falls
// back to in-process implementations.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.health = health.NewRegistry(2 * time.Second)

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	if err := s.openChain(); err != nil {
		s.closeDB()
		return nil, err
	}

	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing unavailable, continuing without it", "error", err)
		shutdownOTel = func(context.Context) error { return nil }
	}
	s.shutdownOTel = shutdownOTel

	// Events go to WebSocket clients and, when configured, to Kafka.
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := notify.Fanout{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		publishers = append(publishers, s.kafka)
		s.logger.Info("publishing settlement events to kafka", "topic", cfg.KafkaTopic)
	}

	coordCfg := settlement.DefaultConfig()
	coordCfg.SubmitTimeout = cfg.ChainSubmitTimeout
	coordCfg.SubmitAttempts = cfg.ChainSubmitAttempts
	s.coordinator = settlement.NewCoordinator(s.store, s.chain, coordCfg).WithEvents(publishers)

	if cfg.RedisURL != "" {
		rdb, err := lock.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.coordinator.WithDistributedLock(lock.NewRedis(rdb))
		s.health.Register("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		s.logger.Info("settlement locks shared through redis")
	}

	s.sweeper = settlement.NewSweeper(s.coordinator, cfg.ReconcileInterval, cfg.ReconcileAlertAfter, s.logger)
	s.bonds = bonds.NewService(s.store).WithEvents(publishers)
	s.offers = offers.NewService(s.store, s.store, s.coordinator, s.coordinator).WithEvents(publishers)
	s.ledger = activity.New(s.store, s.store)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = store.NewMemory()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := store.NewPostgres(db)
	s.db = db
	s.store = pg
	s.health.Register("database", pg.Ping)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openChain() error {
	if s.chain != nil {
		return nil
	}
	if !s.cfg.UsesRealChain() {
		s.chain = chain.NewSimulated()
		s.logger.Warn("RPC_URL or OPERATOR_PRIVATE_KEY not set, settling on the simulated chain")
		return nil
	}

	eth, err := chain.NewEthClient(chain.EthConfig{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: s.cfg.OperatorKey,
		ChainID:    s.cfg.ChainID,
		Contract:   s.cfg.BondTokenContract,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chain client: %w", err)
	}
	s.chain = eth
	s.closeChain = eth.Close
	s.logger.Info("settling on chain", "chainId", s.cfg.ChainID, "operator", eth.Operator(), "contract", s.cfg.BondTokenContract)
	return nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limits := ratelimit.DefaultConfig()
	limits.ReadsPerMinute = s.cfg.ReadsPerMinute
	limits.WritesPerMinute = s.cfg.WritesPerMinute
	s.rateLimiter = ratelimit.New(limits)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, client) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.ID(requestID) {
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParams("id", "user"))

	bonds.NewHandler(s.bonds).RegisterRoutes(v1)
	offers.NewHandler(s.offers).RegisterRoutes(v1)
	activity.NewHandler(s.ledger).RegisterRoutes(v1)
	v1.PUT("/users/:id", s.upsertUser)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	settlement.NewHandler(s.sweeper).RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such route"})
	})
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx ends, SIGINT or SIGTERM arrives, or the listener
// fails, then shuts down.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	s.health.Register("reconciliation_sweeper", func(context.Context) error {
		if !s.sweeper.Running() {
			return errors.New("sweeper not running")
		}
		return nil
	})
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains traffic, waits for in-flight settlements and releases
// every connection.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic.
	time.Sleep(s.cfg.ShutdownDrain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Deferred commits finish before their store goes away.
	s.coordinator.Wait()
	s.sweeper.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.closeChain != nil {
		s.closeChain()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if err := s.shutdownOTel(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
