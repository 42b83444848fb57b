package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
	StoreDriverNone     = "none"
)

// envPrefix is prepended to every variable, e.g. PORTAL_SERVER_PORT.
const envPrefix = "PORTAL"

type Config struct {
	ServerHost string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	// Durable store
	StoreDriver  string        `envconfig:"STORE_DRIVER" default:"postgres"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"2s"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName     string `envconfig:"DB_NAME" default:"regio_portal"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Observability
	LogLevel           string  `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty          bool    `envconfig:"LOG_PRETTY" default:"false"`
	TracingEnabled     bool    `envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint     string  `envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	TracingSampleRatio float64 `envconfig:"TRACING_SAMPLE_RATIO" default:"1"`

	// TTL cache
	CacheDefaultTTL       time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"5m"`
	CacheMaxMemoryBytes   int64         `envconfig:"CACHE_MAX_MEMORY_BYTES" default:"104857600"`
	CacheHighWaterEntries int           `envconfig:"CACHE_HIGH_WATER_ENTRIES" default:"10000"`
	CacheSweepInterval    time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"10m"`
	CacheWarmup           bool          `envconfig:"CACHE_WARMUP" default:"true"`

	// Session tracker
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"1h"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5m"`
	SessionHistoryDays   int           `envconfig:"SESSION_HISTORY_DAYS" default:"30"`

	// Event reconciler
	EventBufferCapacity int `envconfig:"EVENT_BUFFER_CAPACITY" default:"100"`
	EventQueryPageSize  int `envconfig:"EVENT_QUERY_PAGE_SIZE" default:"50"`
	EventShards         int `envconfig:"EVENT_SHARDS" default:"32"`

	// Durable write retry queue
	RetryQueueSize   int `envconfig:"RETRY_QUEUE_SIZE" default:"1000"`
	RetryWorkers     int `envconfig:"RETRY_WORKERS" default:"2"`
	RetryMaxAttempts int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`

	// Health thresholds (percent)
	HealthyHitRate    float64 `envconfig:"HEALTHY_HIT_RATE" default:"60"`
	DegradedHitRate   float64 `envconfig:"DEGRADED_HIT_RATE" default:"30"`
	LowHitRate        float64 `envconfig:"LOW_HIT_RATE" default:"30"`
	MemoryWarnPercent float64 `envconfig:"MEMORY_WARN_PERCENT" default:"90"`
}

// Load reads an optional .env file and then the PORTAL_* environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverRedis, StoreDriverNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER: %q", c.StoreDriver))
	}
	if c.EventBufferCapacity <= 0 {
		errs = append(errs, errors.New("EVENT_BUFFER_CAPACITY must be positive"))
	}
	if c.EventShards <= 0 {
		errs = append(errs, errors.New("EVENT_SHARDS must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0,1], got %v", c.TracingSampleRatio))
	}
	if c.DegradedHitRate >= c.HealthyHitRate {
		errs = append(errs, fmt.Errorf("DEGRADED_HIT_RATE (%.1f) must be below HEALTHY_HIT_RATE (%.1f)",
			c.DegradedHitRate, c.HealthyHitRate))
	}

	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// HTTPAddr returns the listen address for the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
