package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/storecart/migrations"
	"github.com/utafrali/storecart/pkg/database"
	"github.com/utafrali/storecart/pkg/health"
	"github.com/utafrali/storecart/pkg/httpclient"
	pkgkafka "github.com/utafrali/storecart/pkg/kafka"
	"github.com/utafrali/storecart/pkg/tracing"

	"github.com/utafrali/storecart/internal/config"
	"github.com/utafrali/storecart/internal/event"
	handler "github.com/utafrali/storecart/internal/handler/http"
	"github.com/utafrali/storecart/internal/pricing"
	"github.com/utafrali/storecart/internal/repository"
	"github.com/utafrali/storecart/internal/repository/memory"
	"github.com/utafrali/storecart/internal/repository/postgres"
	redisrepo "github.com/utafrali/storecart/internal/repository/redis"
	"github.com/utafrali/storecart/internal/service"
)

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

// idempotencyTTL bounds how long a consumed login event id is remembered.
const idempotencyTTL = 24 * time.Hour

// App wires together all dependencies and runs the cart service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	rdb            *redis.Client
	producer       *pkgkafka.Producer
	consumer       *pkgkafka.Consumer
	httpServer     *http.Server
	stopTracing    func(context.Context) error
	stopMiddleware context.CancelFunc
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	stopTracing, err := tracing.InitTracer(ctx, cfg.Tracing(Version))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.stopTracing = stopTracing

	healthHandler := health.NewHandler()

	store, err := a.openStore(ctx, healthHandler)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	// Initialize Kafka producer.
	a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	healthHandler.Register("kafka", a.producer.Ping)

	// Build the dependency graph.
	opts := []service.Option{
		service.WithEvents(event.NewProducer(a.producer, logger)),
		service.WithDefaultContext(cfg.DefaultLocale, cfg.DefaultCurrency),
	}
	if a.rdb != nil {
		if cfg.ViewCacheTTLSeconds > 0 {
			opts = append(opts, service.WithViewCache(redisrepo.NewViewCache(a.rdb, cfg.ViewCacheTTL())))
		}
		opts = append(opts, service.WithContextLock(redisrepo.NewContextLock(a.rdb, cfg.ContextLockTTL())))
	}

	validationService := service.NewValidationService(store, logger)
	cartService := service.NewCartService(store, validationService, a.calculator(), logger, opts...)

	// Login events merge the guest cart into the user's cart.
	var idempotency pkgkafka.IdempotencyStore = pkgkafka.NewMemoryIdempotencyStore(idempotencyTTL)
	if a.rdb != nil {
		idempotency = pkgkafka.NewRedisIdempotencyStore(a.rdb, "cart:consumed", idempotencyTTL)
	}
	a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaConsumerGroup,
		Topic:    cfg.KafkaLoginTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}, pkgkafka.IdempotentHandler(idempotency, event.LoginHandler(cartService, logger), logger), logger)

	// HTTP router. Middleware goroutines live until Shutdown.
	routerCtx, stopMiddleware := context.WithCancel(context.Background())
	a.stopMiddleware = stopMiddleware
	router := handler.NewRouter(routerCtx, cartService, healthHandler, handler.RouterConfig{
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		JWTSecret:      cfg.JWTSecret,
		Cookie: handler.CookieConfig{
			Name:   cfg.CookieName,
			MaxAge: cfg.CookieMaxAge(),
			Secure: cfg.CookieSecure,
		},
	}, logger)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// openStore connects the configured storage backend and registers its health
// checks. The memory driver runs without Postgres and Redis.
func (a *App) openStore(ctx context.Context, healthHandler *health.Handler) (repository.Store, error) {
	cfg := a.cfg
	if cfg.StoreDriver == config.StoreDriverMemory {
		a.logger.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)

	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, "cart"); err != nil {
		a.logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
	}
	database.SetSlowQueryLogging(cfg.SlowQueryThreshold(), a.logger)

	if cfg.RunMigrations {
		if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	// Initialize Redis client.
	rdb, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.rdb = rdb
	a.logger.Info("connected to Redis",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
	)

	healthHandler.RegisterCritical("postgres", pool.Ping)
	healthHandler.Register("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	return postgres.NewStore(pool), nil
}

func (a *App) calculator() pricing.Calculator {
	if a.cfg.PricingServiceURL == "" {
		return pricing.Local{}
	}
	client := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		httpclient.DefaultCircuitBreakerConfig("pricing"),
		a.logger,
	)
	a.logger.Info("using remote pricing service", slog.String("url", a.cfg.PricingServiceURL))
	return pricing.NewRemoteCalculator(client, a.cfg.PricingServiceURL, a.logger)
}

// Run starts the HTTP server and Kafka consumer, then blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := a.consumer.Start(ctx); err != nil {
			a.logger.Error("kafka consumer error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	// Graceful HTTP server shutdown with a 10-second deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if err := a.consumer.Close(); err != nil {
		a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
	}

	a.closeAll()

	if err := a.stopTracing(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

// closeAll releases the store connections opened so far.
func (a *App) closeAll() {
	if a.stopMiddleware != nil {
		a.stopMiddleware()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
