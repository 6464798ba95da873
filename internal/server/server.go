// Package server wires the escrow engine together: HTTP API, ledger client,
// event pipeline, reconciler, and the public transparency feed.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mealtrust/mealtrust/internal/auth"
	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/config"
	"github.com/mealtrust/mealtrust/internal/directory"
	"github.com/mealtrust/mealtrust/internal/escrow"
	"github.com/mealtrust/mealtrust/internal/feed"
	"github.com/mealtrust/mealtrust/internal/health"
	"github.com/mealtrust/mealtrust/internal/idgen"
	"github.com/mealtrust/mealtrust/internal/ingest"
	"github.com/mealtrust/mealtrust/internal/logging"
	"github.com/mealtrust/mealtrust/internal/metrics"
	"github.com/mealtrust/mealtrust/internal/ratelimit"
	"github.com/mealtrust/mealtrust/internal/realtime"
	"github.com/mealtrust/mealtrust/internal/reconciler"
	"github.com/mealtrust/mealtrust/internal/security"
	"github.com/mealtrust/mealtrust/internal/traces"
	"github.com/mealtrust/mealtrust/internal/validation"
)

// Ledger is the full chain surface the server needs: escrow commands for the
// service, log filtering for the listener, and lifecycle management.
type Ledger interface {
	escrow.Ledger
	ingest.EventSource
	Address() string
	Close() error
}

// Server wraps the HTTP server and all engine components.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db     *sql.DB
	ledger Ledger

	escrowStore escrow.Store
	dirStore    directory.Store
	feedStore   feed.Store
	eventStore  ingest.EventStore
	cursorStore ingest.CursorStore
	mismatches  reconciler.MismatchStore

	escrowSvc *escrow.Service
	queue     *ingest.Queue
	listener  *ingest.Listener
	recon     *reconciler.Reconciler
	sweeper   *reconciler.Sweeper
	hub       *realtime.Hub

	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	tracesShutdown func(context.Context) error

	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLedger sets a custom ledger client (useful for testing).
func WithLedger(ledger Ledger) Option {
	return func(s *Server) { s.ledger = ledger }
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "text"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	if s.ledger == nil {
		ledger, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Contract:   cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("create ledger client: %w", err)
		}
		s.ledger = ledger
	}

	if err := s.setupStores(); err != nil {
		return nil, err
	}

	s.escrowSvc = escrow.NewService(s.escrowStore, s.dirStore, s.ledger)
	s.queue = ingest.NewQueue(cfg.QueueSize)
	s.listener = ingest.NewListener(s.ledger, s.cursorStore, s.queue,
		ingest.ListenerConfig{PollInterval: cfg.PollInterval, StartBlock: cfg.StartBlock},
		s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.recon = reconciler.New(s.queue, s.eventStore, s.escrowStore, s.dirStore,
		s.feedStore, s.mismatches,
		reconciler.MultiNotifier{s.hub, reconciler.LogNotifier{Logger: s.logger}},
		reconciler.Config{
			MaxApplyAttempts: cfg.MaxApplyAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
		},
		s.logger)
	s.sweeper = reconciler.NewSweeper(s.escrowStore, s.ledger, s.mismatches, s.logger)

	s.setupHealthChecks()
	s.setupMiddleware()
	s.setupRoutes()

	if s.db == nil && cfg.IsDevelopment() {
		s.seedDemoData()
	}

	return s, nil
}

// setupStores connects PostgreSQL when configured and falls back to the
// in-memory implementations for local development.
func (s *Server) setupStores() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		s.escrowStore = escrow.NewMemoryStore()
		s.dirStore = directory.NewMemoryStore()
		s.feedStore = feed.NewMemoryStore()
		s.eventStore = ingest.NewMemoryEventStore()
		s.cursorStore = ingest.NewMemoryCursorStore()
		s.mismatches = reconciler.NewMemoryMismatchStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	s.db = db
	s.escrowStore = escrow.NewPostgresStore(db)
	s.dirStore = directory.NewPostgresStore(db)
	s.feedStore = feed.NewPostgresStore(db)
	s.eventStore = ingest.NewPostgresEventStore(db)
	s.cursorStore = ingest.NewPostgresCursorStore(db, "escrow-events")
	s.mismatches = reconciler.NewPostgresMismatchStore(db)
	s.logger.Info("connected to PostgreSQL")
	return nil
}

func (s *Server) setupHealthChecks() {
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := s.ledger.BlockNumber(ctx); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
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

	s.router.Use(security.HeadersMiddleware())

	// The transparency feed is meant to be embedded anywhere.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	escrowHandler := escrow.NewHandler(s.escrowSvc)
	feedHandler := feed.NewHandler(s.feedStore)
	dirHandler := directory.NewHandler(s.dirStore)
	reconHandler := reconciler.NewHandler(s.mismatches, s.sweeper)

	v1 := s.router.Group("/v1")
	{
		escrowHandler.RegisterRoutes(v1)
		feedHandler.RegisterRoutes(v1)
		dirHandler.RegisterRoutes(v1)

		v1.GET("/ws", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})
	}

	admin := s.router.Group("/v1/admin")
	admin.Use(auth.AdminMiddleware(s.cfg.AdminSecret))
	{
		escrowHandler.RegisterAdminRoutes(admin)
		dirHandler.RegisterAdminRoutes(admin)
		reconHandler.RegisterAdminRoutes(admin)
		admin.GET("/stats", s.statsHandler)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string          `json:"status"`
	Subsystems []health.Status `json:"subsystems"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	resp := HealthResponse{Status: "ok", Subsystems: statuses}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queueDepth": s.queue.Len(),
		"realtime":   s.hub.Stats(),
		"sweeper":    gin.H{"running": s.sweeper.Running()},
	})
}

// seedDemoData loads a small directory so development mode works end to end
// without any manual setup.
func (s *Server) seedDemoData() {
	ctx := context.Background()
	schools := []*directory.School{
		{ID: 1, Name: "SDN 01 Menteng", Region: "Jakarta"},
		{ID: 2, Name: "SDN 04 Cilandak", Region: "Jakarta"},
		{ID: 3, Name: "SDN 12 Lengkong", Region: "Bandung"},
	}
	caterings := []*directory.Catering{
		{ID: 1, Name: "Dapur Sehat", PayeeAddr: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", ContactName: "Ibu Sari"},
		{ID: 2, Name: "Katering Nusantara", PayeeAddr: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", ContactName: "Pak Budi"},
	}
	deliveries := []*directory.Delivery{
		{ID: 1, SchoolID: 1, CateringID: 1, Portions: 250, MenuName: "Nasi Ayam", Date: time.Now()},
		{ID: 2, SchoolID: 2, CateringID: 1, Portions: 180, MenuName: "Gado-Gado", Date: time.Now()},
		{ID: 3, SchoolID: 3, CateringID: 2, Portions: 320, MenuName: "Soto Ayam", Date: time.Now()},
	}

	for _, school := range schools {
		if err := s.dirStore.PutSchool(ctx, school); err != nil {
			s.logger.Warn("demo seed failed", "error", err)
			return
		}
	}
	for _, catering := range caterings {
		if err := s.dirStore.PutCatering(ctx, catering); err != nil {
			s.logger.Warn("demo seed failed", "error", err)
			return
		}
	}
	for _, delivery := range deliveries {
		if err := s.dirStore.PutDelivery(ctx, delivery); err != nil {
			s.logger.Warn("demo seed failed", "error", err)
			return
		}
	}
	s.logger.Info("demo directory data seeded",
		"schools", len(schools), "caterings", len(caterings), "deliveries", len(deliveries))
}

// Run starts everything and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"contract", s.cfg.EscrowContract,
			"admin", s.ledger.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.recon.Start(runCtx)
	go s.sweeper.Start(runCtx)

	if err := s.listener.Start(runCtx); err != nil {
		// The engine still serves reads and commands; events catch up once
		// the RPC endpoint is reachable and the listener is restarted.
		s.logger.Error("event listener failed to start", "error", err)
	}

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

// Shutdown stops components in dependency order: no new HTTP work, then no
// new events, then drain the queue so nothing observed is lost.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	s.listener.Stop()
	s.logger.Info("event listener stopped")

	s.queue.Close()
	s.recon.Wait()
	s.logger.Info("reconciler drained")

	s.sweeper.Stop()

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("ledger close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
