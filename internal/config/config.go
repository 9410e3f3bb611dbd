package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Config holds all application configuration
type Config struct {
	// API Configuration
	API APIConfig

	// Redis Configuration
	Redis RedisConfig

	// Relational store configuration
	Database DatabaseConfig

	// Result cache configuration
	Cache CacheConfig

	// Credential pool configuration
	Credential CredentialConfig

	// Governor configuration
	Governor GovernorConfig

	// Extractor Configuration
	Extractor ExtractorConfig

	// Worker Configuration
	Worker WorkerConfig

	// Logging Configuration
	Logger LoggerConfig

	// Cleanup Configuration
	Cleanup CleanupConfig

	// Per-platform tuning, keyed by platform
	Platforms map[types.Platform]PlatformConfig
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port           int
	Host           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	APIKeys        []string // "principal=key" or bare keys; empty disables authentication
	RateLimitRPS   float64  // Per-IP token refill rate
	RateLimitBurst int
	CORSOrigins    string
	EnableBatch    bool // Batch endpoints need Redis for the queue
	EnablePprof    bool
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// DatabaseConfig selects the sql driver backing credentials, fingerprints and service configs
type DatabaseConfig struct {
	Driver       string // sqlite or postgres
	DSN          string
	MaxOpenConns int
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Backend string // redis, sql, memory
	Prefix  string // Redis key prefix
	MaxTTL  time.Duration
}

// CredentialConfig holds credential pool defaults
type CredentialConfig struct {
	CooldownMinutes       int // Platform-wide default, overridden per platform
	DefaultMaxUsesPerHour int
}

// GovernorConfig holds admission defaults
type GovernorConfig struct {
	Limiter            string // memory or redis
	FlushInterval      time.Duration
	RateLimitPerMinute int // Default when a platform has no service config row
}

// ExtractorConfig holds upstream fetch configuration
type ExtractorConfig struct {
	MaxRedirects      int
	RedirectTimeout   time.Duration
	BreakerMaxFails   uint32
	BreakerOpenPeriod time.Duration
}

// WorkerConfig holds job worker configuration
type WorkerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	MaxRetries      int
	JobRetention    time.Duration
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	FileName   string // Empty logs to stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// CleanupConfig holds janitor configuration
type CleanupConfig struct {
	Enabled        bool
	Interval       time.Duration
	UsageRetention time.Duration // Credential use rows older than this are pruned
}

// PlatformConfig is the per-platform tuning block
type PlatformConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	Timeout         time.Duration `yaml:"timeout"`
	CooldownMinutes int           `yaml:"cooldown_minutes"`
	RateLimit       int           `yaml:"rate_limit_per_minute"`
}

// DefaultPlatforms returns the built-in per-platform tuning
func DefaultPlatforms() map[types.Platform]PlatformConfig {
	return map[types.Platform]PlatformConfig{
		types.PlatformTikTok:    {CacheTTL: 30 * time.Minute, Timeout: 12 * time.Second, CooldownMinutes: 30},
		types.PlatformInstagram: {CacheTTL: time.Hour, Timeout: 15 * time.Second, CooldownMinutes: 60},
		types.PlatformFacebook:  {CacheTTL: 3 * time.Hour, Timeout: 15 * time.Second, CooldownMinutes: 30},
		types.PlatformWeibo:     {CacheTTL: 24 * time.Hour, Timeout: 10 * time.Second, CooldownMinutes: 30},
		types.PlatformTwitter:   {CacheTTL: 72 * time.Hour, Timeout: 10 * time.Second, CooldownMinutes: 15},
	}
}

// Load loads configuration from an optional .env file, environment variables
// and the optional YAML platform file named by PLATFORM_CONFIG_FILE
func Load() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		API: APIConfig{
			Port:           getEnvInt("API_PORT", 8080),
			Host:           getEnv("API_HOST", "0.0.0.0"),
			ReadTimeout:    getEnvDuration("API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("API_WRITE_TIMEOUT", 60*time.Second),
			APIKeys:        getEnvList("API_KEYS"),
			RateLimitRPS:   getEnvFloat("API_RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvInt("API_RATE_LIMIT_BURST", 20),
			CORSOrigins:    getEnv("CORS_ORIGINS", "*"),
			EnableBatch:    getEnvBool("BATCH_ENABLED", true),
			EnablePprof:    getEnvBool("ENABLE_PPROF", false),
		},
		Redis: RedisConfig{
			Address:    getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			MaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "sqlite"),
			DSN:          getEnv("DB_DSN", "file:medresolve.db"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
		},
		Cache: CacheConfig{
			Backend: getEnv("CACHE_BACKEND", "redis"),
			Prefix:  getEnv("CACHE_PREFIX", "result:"),
			MaxTTL:  getEnvDuration("CACHE_MAX_TTL", 7*24*time.Hour),
		},
		Credential: CredentialConfig{
			CooldownMinutes:       getEnvInt("CREDENTIAL_COOLDOWN_MINUTES", 30),
			DefaultMaxUsesPerHour: getEnvInt("CREDENTIAL_MAX_USES_PER_HOUR", 60),
		},
		Governor: GovernorConfig{
			Limiter:            getEnv("GOVERNOR_LIMITER", "memory"),
			FlushInterval:      getEnvDuration("GOVERNOR_FLUSH_INTERVAL", 30*time.Second),
			RateLimitPerMinute: getEnvInt("GOVERNOR_RATE_LIMIT_PER_MINUTE", 0),
		},
		Extractor: ExtractorConfig{
			MaxRedirects:      getEnvInt("EXTRACTOR_MAX_REDIRECTS", 5),
			RedirectTimeout:   getEnvDuration("EXTRACTOR_REDIRECT_TIMEOUT", 5*time.Second),
			BreakerMaxFails:   uint32(getEnvInt("EXTRACTOR_BREAKER_MAX_FAILS", 10)),
			BreakerOpenPeriod: getEnvDuration("EXTRACTOR_BREAKER_OPEN_PERIOD", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:     getEnvInt("WORKER_CONCURRENCY", 8),
			ShutdownTimeout: getEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxRetries:      getEnvInt("JOB_MAX_RETRIES", 2),
			JobRetention:    getEnvDuration("JOB_RETENTION", 24*time.Hour),
		},
		Logger: LoggerConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			FileName:   getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
		Cleanup: CleanupConfig{
			Enabled:        getEnvBool("CLEANUP_ENABLED", true),
			Interval:       getEnvDuration("CLEANUP_INTERVAL", 15*time.Minute),
			UsageRetention: getEnvDuration("CLEANUP_USAGE_RETENTION", 2*time.Hour),
		},
		Platforms: DefaultPlatforms(),
	}

	if path := getEnv("PLATFORM_CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadPlatformFile(path); err != nil {
			return nil, err
		}
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadPlatformFile overlays per-platform tuning from a YAML file.
// Zero values in the file keep the built-in default.
func (c *Config) LoadPlatformFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read platform config: %w", err)
	}
	return c.applyPlatformYAML(data)
}

func (c *Config) applyPlatformYAML(data []byte) error {
	var file struct {
		Platforms map[types.Platform]PlatformConfig `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse platform config: %w", err)
	}

	if c.Platforms == nil {
		c.Platforms = DefaultPlatforms()
	}
	for p, override := range file.Platforms {
		if !p.IsSupported() {
			return fmt.Errorf("platform config: unknown platform %q", p)
		}
		cur := c.Platforms[p]
		if override.CacheTTL > 0 {
			cur.CacheTTL = override.CacheTTL
		}
		if override.Timeout > 0 {
			cur.Timeout = override.Timeout
		}
		if override.CooldownMinutes > 0 {
			cur.CooldownMinutes = override.CooldownMinutes
		}
		if override.RateLimit > 0 {
			cur.RateLimit = override.RateLimit
		}
		c.Platforms[p] = cur
	}
	return nil
}

// Platform returns the tuning for p, falling back to global defaults
func (c *Config) Platform(p types.Platform) PlatformConfig {
	pc, ok := c.Platforms[p]
	if !ok {
		pc = PlatformConfig{CacheTTL: time.Hour, Timeout: 10 * time.Second}
	}
	if pc.CooldownMinutes <= 0 {
		pc.CooldownMinutes = c.Credential.CooldownMinutes
	}
	if pc.RateLimit <= 0 {
		pc.RateLimit = c.Governor.RateLimitPerMinute
	}
	return pc
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.API.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	switch c.Cache.Backend {
	case "redis", "sql", "memory":
	default:
		return fmt.Errorf("CACHE_BACKEND must be redis, sql or memory, got %q", c.Cache.Backend)
	}

	switch c.Governor.Limiter {
	case "memory", "redis":
	default:
		return fmt.Errorf("GOVERNOR_LIMITER must be memory or redis, got %q", c.Governor.Limiter)
	}

	if c.NeedsRedis() && c.Redis.Address == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	if c.Governor.FlushInterval <= 0 {
		return fmt.Errorf("GOVERNOR_FLUSH_INTERVAL must be positive, got %s", c.Governor.FlushInterval)
	}

	if c.Credential.CooldownMinutes < 1 {
		return fmt.Errorf("CREDENTIAL_COOLDOWN_MINUTES must be >= 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}

	return nil
}

// NeedsRedis reports whether any configured component talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Cache.Backend == "redis" || c.Governor.Limiter == "redis" || c.API.EnableBatch
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
