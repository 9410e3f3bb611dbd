package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/circuitbreaker"
	"github.com/KeremKalyoncu/medresolve/internal/cleanup"
	"github.com/KeremKalyoncu/medresolve/internal/config"
	"github.com/KeremKalyoncu/medresolve/internal/credential"
	"github.com/KeremKalyoncu/medresolve/internal/extractor"
	"github.com/KeremKalyoncu/medresolve/internal/fingerprint"
	"github.com/KeremKalyoncu/medresolve/internal/governor"
	"github.com/KeremKalyoncu/medresolve/internal/handlers"
	"github.com/KeremKalyoncu/medresolve/internal/metrics"
	"github.com/KeremKalyoncu/medresolve/internal/pool"
	"github.com/KeremKalyoncu/medresolve/internal/queue"
	"github.com/KeremKalyoncu/medresolve/internal/resolver"
	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *sqlx.DB
	Redis *redis.Client // nil when nothing is configured to use Redis

	Metrics      *metrics.Metrics
	Breakers     *circuitbreaker.Group
	HTTPClients  *pool.HTTPClientPool
	Cache        *cache.ResultCache
	Governor     *governor.Governor
	Credentials  *credential.Pool
	Fingerprints *fingerprint.Pool
	Registry     *extractor.Registry
	Resolver     *resolver.Resolver
	Janitor      *cleanup.Janitor

	// Operator access to the credential table
	CredentialStore *store.CredentialRepository

	// Batch resolution, nil when batches are disabled
	Jobs        *queue.JobStore
	QueueClient *queue.Client
	Processor   *queue.Processor

	cancel context.CancelFunc
	done   chan struct{}
}

// NewContainer creates and initializes a new application container
func NewContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	logger.Info("Configuration loaded successfully",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("limiter", cfg.Governor.Limiter),
		zap.Bool("batch_enabled", cfg.API.EnableBatch),
		zap.Int("api_port", cfg.API.Port),
	)

	c := &Container{Config: cfg, Logger: logger}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	c.DB = db

	if cfg.NeedsRedis() {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:       cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			c.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Address))
	}

	c.Metrics = metrics.New()
	c.Breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
		MaxFailures: cfg.Extractor.BreakerMaxFails,
		OpenPeriod:  cfg.Extractor.BreakerOpenPeriod,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Upstream breaker state changed",
				zap.String("platform", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			c.Metrics.BreakerStateChange(name, from, to)
		},
	})
	c.HTTPClients = pool.NewHTTPClientPool(pool.DefaultClientConfig())

	timeouts := make(map[types.Platform]time.Duration, len(types.SupportedPlatforms))
	ttls := make(map[types.Platform]time.Duration, len(types.SupportedPlatforms))
	cooldowns := make(map[types.Platform]time.Duration, len(types.SupportedPlatforms))
	defaults := make(map[types.Platform]governor.Defaults, len(types.SupportedPlatforms))
	for _, p := range types.SupportedPlatforms {
		pc := cfg.Platform(p)
		timeouts[p] = pc.Timeout
		ttls[p] = pc.CacheTTL
		cooldowns[p] = time.Duration(pc.CooldownMinutes) * time.Minute
		defaults[p] = governor.Defaults{RateLimitPerMinute: pc.RateLimit, CacheTTL: pc.CacheTTL}
	}

	fetcher := extractor.NewFetcher(c.HTTPClients, c.Breakers, extractor.FetcherConfig{
		MaxRedirects:    cfg.Extractor.MaxRedirects,
		RedirectTimeout: cfg.Extractor.RedirectTimeout,
	}, logger)
	c.Registry = extractor.NewRegistry(fetcher, extractor.DefaultEndpoints(), timeouts, logger)
	c.Registry.SetObserver(c.Metrics)

	// The janitor only purges backends without native expiry
	var purger cleanup.CachePurger
	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "redis":
		backend = cache.NewRedisBackend(c.Redis, cfg.Cache.Prefix, logger)
	case "sql":
		sqlBackend := cache.NewSQLBackend(db)
		backend, purger = sqlBackend, sqlBackend
	default:
		backend = cache.NewMemoryBackend(time.Minute)
	}
	c.Cache = cache.NewResultCache(backend, ttls, cfg.Cache.MaxTTL, logger)

	var limiter governor.Limiter = governor.NewMemoryLimiter()
	if cfg.Governor.Limiter == "redis" {
		limiter = governor.NewRedisLimiter(c.Redis, "governor:")
	}
	c.Governor = governor.New(store.NewServiceRepository(db), limiter, defaults, logger)
	if err := c.Governor.Load(ctx); err != nil {
		logger.Warn("Failed to load persisted service stats", zap.Error(err))
	}

	credentials := store.NewCredentialRepository(db)
	c.CredentialStore = credentials
	c.Credentials = credential.NewPool(credentials, c.Registry.Probers(), credential.Config{
		Cooldown:              cooldowns,
		DefaultCooldown:       time.Duration(cfg.Credential.CooldownMinutes) * time.Minute,
		DefaultMaxUsesPerHour: cfg.Credential.DefaultMaxUsesPerHour,
	}, logger)
	c.Credentials.SetObserver(c.Metrics)

	c.Fingerprints = fingerprint.NewPool(store.NewFingerprintRepository(db), logger)

	c.Resolver = resolver.New(c.Registry, c.Governor, c.Cache, c.Credentials, c.Fingerprints, logger)
	c.Resolver.SetObserver(c.Metrics)

	c.Janitor = cleanup.NewJanitor(cleanup.Strategy{
		Enabled:      cfg.Cleanup.Enabled,
		Interval:     cfg.Cleanup.Interval,
		UseRetention: cfg.Cleanup.UsageRetention,
	}, purger, credentials, logger)

	if cfg.API.EnableBatch {
		c.Jobs = queue.NewJobStore(c.Redis, cfg.Worker.JobRetention)
		c.QueueClient = queue.NewClient(asynq.NewClient(c.RedisConnOpt()), c.Jobs, logger)
		c.QueueClient.SetMaxRetry(cfg.Worker.MaxRetries)
		c.Processor = queue.NewProcessor(c.Resolver, c.Jobs, logger)
		c.Processor.SetObserver(c.Metrics)
	}

	return c, nil
}

// RedisConnOpt returns the asynq connection settings
func (c *Container) RedisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Config.Redis.Address,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	}
}

// Start runs the background loops: the janitor and the stats flusher
func (c *Container) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.Janitor.Start(ctx)
	go func() {
		defer close(c.done)
		c.Governor.Run(ctx, c.Config.Governor.FlushInterval)
	}()
}

// HealthChecks returns the dependency probes for readiness
func (c *Container) HealthChecks() map[string]handlers.Check {
	checks := map[string]handlers.Check{
		"database": func(ctx context.Context) error { return c.DB.PingContext(ctx) },
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close stops the background loops and releases every resource
func (c *Container) Close(ctx context.Context) error {
	c.Logger.Info("Closing application container")

	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			c.Logger.Warn("Stats flush did not finish before shutdown deadline")
		}
		c.Janitor.Stop()
	}

	var errs []error
	if c.QueueClient != nil {
		errs = append(errs, c.QueueClient.Close())
	}
	errs = append(errs, c.Cache.Close())
	c.HTTPClients.Close()
	errs = append(errs, c.closeStores())

	return errors.Join(errs...)
}

func (c *Container) closeStores() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
