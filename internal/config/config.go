package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/utafrali/storecart/pkg/config"
	"github.com/utafrali/storecart/pkg/database"
	"github.com/utafrali/storecart/pkg/tracing"
	"github.com/utafrali/storecart/pkg/validator"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the cart service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"CART_HTTP_PORT" envDefault:"8003"`

	// Storage backend: postgres, or memory for local development.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// PostgreSQL
	PostgresURL     string        `env:"DATABASE_URL"`
	PostgresHost    string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort    int           `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser    string        `env:"POSTGRES_USER" envDefault:"storecart"`
	PostgresPass    string        `env:"POSTGRES_PASSWORD" envDefault:"storecart"`
	PostgresDB      string        `env:"CART_DB_NAME" envDefault:"cart_db"`
	PostgresSSL     string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	DBMaxConns      int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns      int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLife   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBMaxConnIdle   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"15m"`
	SlowQueryMillis int           `env:"LOG_SLOW_QUERY_MS" envDefault:"200"`
	RunMigrations   bool          `env:"CART_RUN_MIGRATIONS" envDefault:"true"`

	// Redis
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaLoginTopic    string   `env:"KAFKA_LOGIN_TOPIC" envDefault:"ecommerce.user.logged_in"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"cart-service"`

	// Cart behaviour
	DefaultLocale         string `env:"CART_DEFAULT_LOCALE" envDefault:"en"`
	DefaultCurrency       string `env:"CART_DEFAULT_CURRENCY" envDefault:"USD"`
	ViewCacheTTLSeconds   int    `env:"CART_VIEW_CACHE_TTL_SECONDS" envDefault:"300"`
	ContextLockTTLSeconds int    `env:"CART_CONTEXT_LOCK_TTL_SECONDS" envDefault:"10"`
	CookieName            string `env:"CART_COOKIE_NAME" envDefault:"cart_id"`
	CookieMaxAgeDays      int    `env:"CART_COOKIE_MAX_AGE_DAYS" envDefault:"30"`
	CookieSecure          bool   `env:"CART_COOKIE_SECURE" envDefault:"false"`

	// Auth. Empty disables bearer tokens; the gateway's X-User-ID header is
	// still honored.
	JWTSecret string `env:"JWT_SECRET"`

	// HTTP edge
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	RateLimitRPS       float64  `env:"RATE_LIMIT_RPS" envDefault:"100"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"200"`

	// Pricing service. Empty computes totals locally.
	PricingServiceURL string `env:"PRICING_SERVICE_URL"`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELInsecure   bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load cart config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %v", c.OTELSampleRate)
	}
	if err := validator.Var(c.DefaultLocale, "required,bcp47_language_tag"); err != nil {
		return fmt.Errorf("CART_DEFAULT_LOCALE %q is not a BCP 47 language tag", c.DefaultLocale)
	}
	if err := validator.Var(c.DefaultCurrency, "required,iso4217"); err != nil {
		return fmt.Errorf("CART_DEFAULT_CURRENCY %q is not an ISO 4217 code", c.DefaultCurrency)
	}
	if c.ViewCacheTTLSeconds < 0 {
		return fmt.Errorf("CART_VIEW_CACHE_TTL_SECONDS must not be negative")
	}
	if c.ContextLockTTLSeconds < 1 {
		return fmt.Errorf("CART_CONTEXT_LOCK_TTL_SECONDS must be at least 1")
	}
	if c.CookieName == "" {
		return fmt.Errorf("CART_COOKIE_NAME is required")
	}
	if c.Environment != "development" && c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(c.JWTSecret))
	}
	return nil
}

// Postgres returns the pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		URL:             c.PostgresURL,
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLife,
		MaxConnIdleTime: c.DBMaxConnIdle,
	}
}

// Redis returns the client configuration.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPass, DB: c.RedisDB}
}

// Tracing returns the OpenTelemetry configuration.
func (c *Config) Tracing(version string) tracing.Config {
	return tracing.Config{
		Enabled:        c.OTELEnabled,
		ServiceName:    "cart-service",
		ServiceVersion: version,
		Environment:    c.Environment,
		Endpoint:       c.OTELEndpoint,
		Insecure:       c.OTELInsecure,
		SampleRate:     c.OTELSampleRate,
	}
}

// ViewCacheTTL is the lifetime of a cached formatted cart.
func (c *Config) ViewCacheTTL() time.Duration {
	return time.Duration(c.ViewCacheTTLSeconds) * time.Second
}

// ContextLockTTL bounds how long a context switch holds its lock.
func (c *Config) ContextLockTTL() time.Duration {
	return time.Duration(c.ContextLockTTLSeconds) * time.Second
}

// CookieMaxAge is the lifetime of the cart cookie.
func (c *Config) CookieMaxAge() time.Duration {
	return time.Duration(c.CookieMaxAgeDays) * 24 * time.Hour
}

// SlowQueryThreshold is the duration above which queries are logged.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryMillis) * time.Millisecond
}
