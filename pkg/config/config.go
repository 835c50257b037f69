package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
)

var configErrors = errx.NewRegistry("CONFIG")

var ErrInvalidConfig = configErrors.Register("INVALID", errx.TypeValidation, 500, "Invalid configuration")

// Config is the process configuration, read from the environment.
type Config struct {
	Redis    RedisConfig
	Jobx     JobxConfig
	Database DatabaseConfig
	Archive  ArchiveConfig
	Notifx   NotifxConfig
	API      APIConfig
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Redis:    loadRedisConfig(),
		Jobx:     loadJobxConfig(),
		Database: loadDatabaseConfig(),
		Archive:  loadArchiveConfig(),
		Notifx:   loadNotifxConfig(),
		API:      loadAPIConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(key, msg string) error {
		return configErrors.NewWithMessage(ErrInvalidConfig, msg).WithDetail("key", key)
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return invalid("REDIS_URL", "redis url does not parse")
		}
	}
	if c.Jobx.Codec != "json" && c.Jobx.Codec != "msgpack" {
		return invalid("JOBX_CODEC", fmt.Sprintf("unknown codec %q, use json or msgpack", c.Jobx.Codec))
	}
	if c.Jobx.Concurrency < 1 {
		return invalid("JOBX_CONCURRENCY", "concurrency must be at least 1")
	}
	if c.Jobx.MaxTries < 1 {
		return invalid("JOBX_MAX_TRIES", "max tries must be at least 1")
	}
	if c.Jobx.PollInterval <= 0 {
		return invalid("JOBX_POLL_INTERVAL", "poll interval must be positive")
	}
	if c.Jobx.JobTimeout <= 0 {
		return invalid("JOBX_JOB_TIMEOUT", "job timeout must be positive")
	}
	if c.Archive.Enabled && c.Archive.Retention <= 0 {
		return invalid("ARCHIVE_RETENTION", "archive retention must be positive")
	}
	if c.Notifx.Provider != "console" && c.Notifx.Provider != "ses" {
		return invalid("NOTIFX_PROVIDER", fmt.Sprintf("unknown provider %q, use console or ses", c.Notifx.Provider))
	}
	return nil
}

// ============================================================================
// Redis
// ============================================================================

type RedisConfig struct {
	// URL takes precedence over the host settings when set
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	ConnRetries    int
	ConnRetryDelay time.Duration
}

func (r RedisConfig) Address() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:            getEnv("REDIS_URL", ""),
		Host:           getEnv("REDIS_HOST", "localhost"),
		Port:           getEnvInt("REDIS_PORT", 6379),
		Password:       getEnv("REDIS_PASSWORD", ""),
		DB:             getEnvInt("REDIS_DB", 0),
		ConnRetries:    getEnvInt("REDIS_CONN_RETRIES", 5),
		ConnRetryDelay: getEnvDuration("REDIS_CONN_RETRY_DELAY", time.Second),
	}
}

// ============================================================================
// Database
// ============================================================================

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DATABASE_HOST", "localhost"),
		Port:            getEnvInt("DATABASE_PORT", 5432),
		User:            getEnv("DATABASE_USER", "postgres"),
		Password:        getEnv("DATABASE_PASSWORD", ""),
		Name:            getEnv("DATABASE_NAME", "taskqueue"),
		SSLMode:         getEnv("DATABASE_SSL_MODE", "disable"),
		MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// ArchiveConfig controls copying finished results to Postgres.
type ArchiveConfig struct {
	Enabled   bool
	Retention time.Duration
	// PruneSchedule is when archive.prune runs on the worker
	PruneSchedule string
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:       getEnvBool("ARCHIVE_ENABLED", false),
		Retention:     getEnvDuration("ARCHIVE_RETENTION", 7*24*time.Hour),
		PruneSchedule: getEnv("ARCHIVE_PRUNE_SCHEDULE", "@hourly"),
	}
}

// ============================================================================
// API
// ============================================================================

type APIConfig struct {
	Enabled     bool
	Port        int
	JWTSecret   string
	CORSOrigins string
	Version     string
}

func loadAPIConfig() APIConfig {
	return APIConfig{
		Enabled:     getEnvBool("API_ENABLED", true),
		Port:        getEnvInt("PORT", 8080),
		JWTSecret:   getEnv("API_JWT_SECRET", ""),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		Version:     getEnv("APP_VERSION", "1.0.0"),
	}
}
