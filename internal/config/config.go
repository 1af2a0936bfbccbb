package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Database
	DatabaseHost     string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort     int    `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"hoopslab"`
	DatabaseUser     string `envconfig:"DATABASE_USER" default:"hoopslab"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD" required:"true"`
	DatabaseSSLMode  string `envconfig:"DATABASE_SSL_MODE" default:"disable"`
	AutoMigrate      bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	// Redis
	RedisEnabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Application
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	ProgressDir string `envconfig:"PROGRESS_DIR" default:"instance/progress"`

	// Leaderboard cache
	CacheTTL           time.Duration `envconfig:"LEADERBOARD_CACHE_TTL" default:"15m"`
	CompactCacheTTL    time.Duration `envconfig:"LEADERBOARD_COMPACT_TTL" default:"15m"`
	SnapshotRetain     int           `envconfig:"LEADERBOARD_SNAPSHOT_RETAIN" default:"5"`
	MaxPayloadAge      time.Duration `envconfig:"LEADERBOARD_MAX_AGE" default:"24h"`
	UseSnapshots       bool          `envconfig:"LEADERBOARD_USE_SNAPSHOTS" default:"true"`
	CatalogFile        string        `envconfig:"LEADERBOARD_CATALOG_FILE" default:""`
	WatermarkStaleness bool          `envconfig:"LEADERBOARD_WATERMARK_STALENESS" default:"true"`

	// Scheduler
	EnableScheduler    bool          `envconfig:"ENABLE_SCHEDULER" default:"true"`
	RebuildsEnabled    bool          `envconfig:"REBUILDS_ENABLED" default:"true"`
	NightlyRebuildCron string        `envconfig:"NIGHTLY_REBUILD_CRON" default:"0 3 * * *"`
	StalenessSweep     time.Duration `envconfig:"STALENESS_SWEEP_INTERVAL" default:"10m"`
	SchedulerWorkers   int           `envconfig:"SCHEDULER_WORKERS" default:"2"`
	SchedulerQueueSize int           `envconfig:"SCHEDULER_QUEUE_SIZE" default:"64"`
	SeasonParallelism  int           `envconfig:"SEASON_PARALLELISM" default:"2"`

	// Monitoring
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"true"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if in development mode
func Load() (*Config, error) {
	// Try to load .env file (ignore error if doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabasePassword == "" {
		return fmt.Errorf("DATABASE_PASSWORD is required")
	}

	if c.SnapshotRetain < 1 {
		return fmt.Errorf("LEADERBOARD_SNAPSHOT_RETAIN must be at least 1, got %d", c.SnapshotRetain)
	}

	if c.SchedulerWorkers < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1, got %d", c.SchedulerWorkers)
	}

	if c.SchedulerQueueSize < 1 {
		return fmt.Errorf("SCHEDULER_QUEUE_SIZE must be at least 1, got %d", c.SchedulerQueueSize)
	}

	if c.MaxPayloadAge < 0 {
		return fmt.Errorf("LEADERBOARD_MAX_AGE cannot be negative")
	}

	return nil
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
