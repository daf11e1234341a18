// Package server wires the fraud pipeline together and serves the HTTP
// and WebSocket API.
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

	"github.com/mbd888/guardchain/internal/auth"
	"github.com/mbd888/guardchain/internal/config"
	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/health"
	"github.com/mbd888/guardchain/internal/logging"
	"github.com/mbd888/guardchain/internal/metrics"
	"github.com/mbd888/guardchain/internal/realtime"
	"github.com/mbd888/guardchain/internal/risk"
	"github.com/mbd888/guardchain/internal/simulator"
	"github.com/mbd888/guardchain/internal/stream"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the pipeline behind it.
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	store        fraud.Store
	sink         stream.Sink
	eventLog     *stream.Log // nil in Kafka mode
	kafkaSink    *stream.KafkaSink
	kafkaSource  *stream.KafkaSource
	fraudService *fraud.Service
	fraudHandler *fraud.Handler
	resolver     auth.Resolver
	hub          *realtime.Hub
	simulator    *simulator.Simulator
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets a custom store (for testing).
func WithStore(store fraud.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithResolver sets a custom token resolver (for testing).
func WithResolver(r auth.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/resolver/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.healthReg = health.NewRegistry()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
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
			pgStore := fraud.NewPostgresStore(db)
			if err := pgStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate fraud store", "error", err)
			}
			s.store = pgStore
			s.healthReg.Register("database", func(ctx context.Context) health.Status {
				if err := db.PingContext(ctx); err != nil {
					return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "database", Healthy: true}
			})
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = fraud.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Auth
	if s.resolver == nil {
		s.resolver = auth.NewJWTResolver([]byte(cfg.AuthSecret), cfg.TokenMaxAge)
	}

	// Realtime fan-out
	s.hub = realtime.NewHub(s.resolver, s.logger,
		realtime.WithMaxClients(cfg.MaxClients),
		realtime.WithSendBuffer(cfg.SendBufferSize),
		realtime.WithAuthTimeout(cfg.AuthTimeout),
	)
	s.logger.Info("realtime streaming enabled")

	// Event stream. Three strategies, picked at startup: Kafka when
	// brokers are configured and reachable, direct hand-off to the hub
	// when STREAM_DIRECT asks for it, the in-process log otherwise.
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := stream.NewKafkaSink(cfg.KafkaBrokers, s.logger)
		if err != nil {
			s.logger.Warn("kafka unavailable, degrading to in-process event log",
				"brokers", cfg.KafkaBrokers, "error", err)
		} else {
			source, err := stream.NewKafkaSource(cfg.KafkaBrokers, cfg.ConsumerGroup, s.logger)
			if err != nil {
				_ = sink.Close()
				s.logger.Warn("kafka consumer unavailable, degrading to in-process event log",
					"error", err)
			} else {
				s.kafkaSink = sink
				s.kafkaSource = source
				s.sink = sink
				s.logger.Info("using kafka event stream",
					"brokers", cfg.KafkaBrokers, "group", cfg.ConsumerGroup)
			}
		}
	}
	if s.sink == nil && cfg.StreamDirect {
		s.sink = stream.NewDirectSink(s.hub, s.logger)
		s.logger.Info("using direct in-process hand-off, no retention")
	}
	if s.sink == nil {
		s.eventLog = stream.NewLog(cfg.StreamCapacity, s.logger)
		s.sink = s.eventLog
		s.logger.Info("using in-process event log", "capacity", cfg.StreamCapacity)
	}

	// Scoring and ingestion
	scorer := risk.NewScorer()
	generator := fraud.NewGenerator(s.store, s.sink, s.logger)
	s.fraudService = fraud.NewService(s.store, scorer, s.sink, generator, s.logger)
	s.fraudHandler = fraud.NewHandler(s.fraudService)

	if cfg.SimulatorEnabled {
		s.simulator = simulator.New(s.fraudService, s.logger)
		s.logger.Info("transaction simulator enabled")
	}

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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming (auth happens in-band)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.resolver))

	// Demo-only token minting. Production deployments issue tokens from
	// their identity provider.
	if s.cfg.IsDevelopment() {
		v1.POST("/auth/token", s.mintTokenHandler)
	}

	// Ingestion and snapshot reads require an authenticated caller
	protected := v1.Group("", auth.RequireAuth())
	s.fraudHandler.RegisterRoutes(protected)
	protected.GET("/stream/stats", s.streamStatsHandler)

	// Operator actions
	admin := v1.Group("", auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst))
	s.fraudHandler.RegisterAdminRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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
		"name":        "GuardChain",
		"description": "Real-time fraud detection pipeline",
		"version":     "0.1.0",
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	stats := s.hub.Stats()
	if s.eventLog != nil {
		stats["retainedTransactions"] = s.eventLog.Len(stream.TopicTransactions)
		stats["retainedAlerts"] = s.eventLog.Len(stream.TopicAlerts)
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) mintTokenHandler(c *gin.Context) {
	var body struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	switch body.Role {
	case auth.RoleAdmin, auth.RoleAnalyst, auth.RoleViewer:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown role",
		})
		return
	}

	token, err := auth.Sign([]byte(s.cfg.AuthSecret), auth.Identity{UserID: body.UserID, Role: body.Role}, s.cfg.TokenMaxAge)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to sign token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": s.cfg.TokenMaxAge.String()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.startConsumers(runCtx)

	if s.simulator != nil {
		go s.simulator.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// startConsumers connects the event stream to the fan-out hub.
func (s *Server) startConsumers(ctx context.Context) {
	topics := []string{stream.TopicTransactions, stream.TopicAlerts}

	if s.kafkaSource != nil {
		go func() {
			if err := s.kafkaSource.Run(ctx, topics, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Error("kafka consumer stopped", "error", err)
			}
		}()
		return
	}

	// The direct sink already hands every message to the hub; there is
	// no log to consume from.
	if s.eventLog == nil {
		return
	}

	// One merged subscription keeps log-wide publish order, so an alert
	// can never overtake the transaction it references.
	ch := s.eventLog.SubscribeAll(ctx, s.cfg.ConsumerGroup, topics...)
	go func() {
		for msg := range ch {
			s.hub.Handle(msg)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, consumers, simulator)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka producer close error", "error", err)
		} else {
			s.logger.Info("kafka producer closed")
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub for testing.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
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
