package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relayflow-go/internal/execution/adapters/http/handlers"
	"github.com/relayflow-go/internal/execution/app/scheduler"
	"github.com/relayflow-go/pkg/config"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
	"github.com/relayflow-go/pkg/middleware/auth"
	"github.com/relayflow-go/pkg/ratelimit"
	"github.com/relayflow-go/pkg/telemetry"
)

// Server owns the HTTP listener and every background component of a replica.
type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	monitor    *database.Monitor
	redis      *redis.Client
	bus        *events.Bus
	relay      *events.RedisRelay
	eventBus   events.EventBus
	telemetry  *telemetry.Telemetry
	scheduler  *scheduler.Scheduler
	limiter    *ratelimit.KeyedTokenBucket
	engine     *Engine
	cancel     context.CancelFunc
}

// New builds the full dependency graph from cfg. Nothing is started yet.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Initialize database
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(Models()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	monitor := database.NewMonitor(db, log, cfg.Database.SlowQueryThreshold)
	if err := monitor.Instrument(); err != nil {
		return nil, fmt.Errorf("failed to instrument database: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    log,
		db:        db,
		monitor:   monitor,
		bus:       events.NewBus(),
		eventBus:  events.NopEventBus{},
		telemetry: tel,
	}

	var publisher events.Publisher = s.bus
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.relay = events.NewRedisRelay(s.bus, s.redis, cfg.Redis.Channel, log)
		publisher = s.relay
	}

	if cfg.Kafka.Enabled {
		kafkaBus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		s.eventBus = kafkaBus
	}

	s.engine, err = NewEngine(cfg, db, publisher, s.eventBus, tel.Tracer(), log)
	if err != nil {
		return nil, err
	}

	if cfg.Schedule.Enabled {
		s.scheduler = scheduler.New(s.engine.Workflows, s.engine.Service, s.redis, cfg.Schedule.RefreshInterval, log)
	}

	s.limiter = ratelimit.NewKeyedTokenBucket(cfg.Webhook.RatePerSecond, cfg.Webhook.Burst)

	checks := []handlers.ReadinessCheck{db.Ping}
	if s.redis != nil {
		checks = append(checks, func(ctx context.Context) error { return s.redis.Ping(ctx).Err() })
	}
	h := handlers.NewExecutionHandlers(s.engine.Service, s.bus, log, checks...)

	router := NewRouter(h, RouterOptions{
		Auth:           auth.NewJWTMiddleware(cfg.Auth.JWT.SecretKey, cfg.Auth.JWT.Issuer, s.redis).Handle(),
		WebhookLimiter: s.limiter,
		Telemetry:      tel,
		Logger:         log,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return s, nil
}

// RouterOptions carries the optional middleware for NewRouter.
type RouterOptions struct {
	Auth           gin.HandlerFunc
	WebhookLimiter ratelimit.RateLimiter
	Telemetry      *telemetry.Telemetry
	Logger         logger.Logger
}

// NewRouter mounts the public and authenticated routes.
func NewRouter(h *handlers.ExecutionHandlers, opts RouterOptions) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(opts.Logger))
	router.Use(metricsMiddleware())
	if opts.Telemetry != nil {
		router.Use(opts.Telemetry.HTTPMiddleware())
	}

	// Health checks
	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Live status, open to any observer
	router.GET("/api/v1/executions/stream", h.StreamSSE)
	router.GET("/api/v1/executions/ws", h.StreamWebSocket)

	authed := router.Group("/api/v1")
	if opts.Auth != nil {
		authed.Use(opts.Auth)
	}
	{
		authed.POST("/executions", h.StartExecution)
		authed.GET("/executions/:id", h.GetExecution)
		authed.GET("/workflows/:workflowId/executions", h.ListExecutions)
	}

	hooks := router.Group("/api/v1/webhooks")
	if opts.WebhookLimiter != nil {
		hooks.Use(ratelimit.Middleware(opts.WebhookLimiter, ratelimit.ParamKeyFunc("workflowId")))
	}
	hooks.POST("/:workflowId", h.Webhook)

	return router
}

// Start runs background workers and blocks serving HTTP.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status relay: %w", err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	go s.limiter.Run(ctx)
	go s.monitor.CollectPoolStats(ctx, 15*time.Second)

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler and the HTTP server, then closes the relay and
// every store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.bus.Close()

	if err := s.eventBus.Close(); err != nil {
		s.logger.Error("Failed to close event bus", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close Redis", "error", err)
		}
	}

	if err := s.telemetry.Close(ctx); err != nil {
		s.logger.Error("Failed to flush traces", "error", err)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
	}

	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
