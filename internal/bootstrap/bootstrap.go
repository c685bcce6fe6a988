// Package bootstrap builds the component graph shared by the API, the scheduled worker and
// the operator CLI from one Config.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catalog-migrator/internal/cache"
	"catalog-migrator/internal/catalog"
	"catalog-migrator/internal/config"
	"catalog-migrator/internal/discover"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/lock"
	"catalog-migrator/internal/logging"
	"catalog-migrator/internal/media"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/pipeline"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
	"catalog-migrator/internal/ratelimit"
	"catalog-migrator/internal/store"
	"catalog-migrator/internal/worker"
)

// LoadEnv reads ENV_FILE when set, otherwise .env.local then .env. Missing files are fine.
func LoadEnv() error {
	if f := os.Getenv("ENV_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Deps is config plus logger, the first phase every command needs.
type Deps struct {
	Config config.Config
	Logger *zap.Logger
}

// NewDeps loads env files and config, validates it and builds the logger.
func NewDeps() (*Deps, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		return nil, err
	}
	return &Deps{Config: cfg, Logger: logger}, nil
}

// Components is the wired service graph.
type Components struct {
	Redis      *redis.Client
	Store      *store.Store
	Queue      *queue.RedisQueue
	Monitor    *queue.Monitor
	Cache      *cache.Cache
	Fetcher    *fetch.Fetcher
	Extractor  *extract.Service
	Discoverer *discover.Discoverer
	Reporter   *progress.Reporter
	Streamer   *progress.Streamer
	Pipeline   *pipeline.Pipeline
	Limiter    *ratelimit.TokenBucket

	deps *Deps
}

// Setup connects Redis and the progress store and wires everything the pipeline needs.
func Setup(ctx context.Context, deps *Deps) (*Components, error) {
	cfg, logger := deps.Config, deps.Logger
	c := &Components{deps: deps}

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		_ = c.Redis.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	var backend progress.Store
	switch cfg.ProgressBackend {
	case "memory":
		backend = progress.NewMemoryStore()
	default:
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			c.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		c.Store = st
		backend = st
	}

	var err error
	if c.Cache, err = cache.New(c.Redis, cfg.CacheLRUSize, cfg.CacheTTL); err != nil {
		c.Close()
		return nil, err
	}
	c.Queue = queue.NewRedisQueue(c.Redis, cfg)
	c.Monitor = queue.NewMonitor(c.Queue, cfg.BacklogWarnReady, cfg.BacklogWarnTotal)
	c.Fetcher = fetch.New(fetch.OptionsFromConfig(cfg), nil, logger.Named("fetch"))
	c.Extractor = extract.NewService(c.Fetcher, c.Cache, logger.Named("extract"))
	c.Discoverer = discover.New(discover.OptionsFromConfig(cfg), logger.Named("discover"))
	c.Reporter = progress.NewReporter(backend, logger.Named("progress"))
	c.Streamer = progress.NewStreamer(c.Reporter, progress.StreamOptionsFromConfig(cfg), logger.Named("stream"))
	c.Limiter = ratelimit.NewTokenBucket(c.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	c.Pipeline = pipeline.New(c.Queue, c.Discoverer, c.Extractor, c.Reporter, c.Monitor, Sources(cfg), logger.Named("pipeline"))
	return c, nil
}

// Sources parses the configured source kinds, skipping unknown names.
func Sources(cfg config.Config) []models.SourceKind {
	return worker.OptionsFromConfig(cfg).Sources
}

// Processor builds a queue worker with the catalog client for the configured tenant.
func (c *Components) Processor(ctx context.Context) (*worker.Processor, error) {
	cfg, logger := c.deps.Config, c.deps.Logger
	client, err := catalog.NewClient(catalog.CredentialsFromConfig(cfg), catalog.ClientOptions{
		Timeout:       cfg.CatalogTimeout,
		RatePerSecond: cfg.CatalogRateLimit,
	}, logger.Named("catalog"))
	if err != nil {
		return nil, err
	}
	var mirror worker.Mirror
	if cfg.MirrorImages {
		m, err := media.FromConfig(ctx, cfg, logger.Named("media"))
		if err != nil {
			return nil, fmt.Errorf("image mirror: %w", err)
		}
		mirror = m
	}
	return worker.NewProcessor(
		worker.OptionsFromConfig(cfg),
		c.Queue,
		c.Extractor,
		catalog.NewSyncer(client, logger.Named("sync")),
		mirror,
		lock.NewClaimer(c.Redis, cfg.SKUClaimTTL),
		c.Reporter,
		logger.Named("worker"),
	).WithCrawler(c.Pipeline), nil
}

// Close releases connections. It is safe on a partially built graph.
func (c *Components) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
