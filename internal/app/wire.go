package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"animecatalog/internal/aggregator"
	"animecatalog/internal/catalog"
	"animecatalog/internal/jobs"
	"animecatalog/internal/providers/kodik"
	"animecatalog/internal/providers/shikimori"
	"animecatalog/internal/reconcile"
	"animecatalog/internal/search"
	"animecatalog/internal/telemetry"
	"animecatalog/internal/upstream"
)

// Components is the process-scoped object graph shared by the binaries.
type Components struct {
	Store    *catalog.Store
	Upstream *upstream.Client
	Engine   *reconcile.Engine
	Pipeline *aggregator.Pipeline
	Redis    *redis.Client
}

// Build opens the store, migrates it and wires providers into the pipeline.
// events may be nil.
func Build(ctx context.Context, cfg Config, logger *slog.Logger, events aggregator.EventSink) (*Components, error) {
	store, err := catalog.Open(cfg.DBDriver, cfg.DBDSN, catalog.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	metadata := shikimori.NewProvider(shikimori.Config{
		BaseURL:    cfg.MetadataBaseURL,
		AltBaseURL: cfg.MetadataAltURL,
		UserAgent:  cfg.UserAgent,
		Client:     telemetry.HTTPClient("shikimori", cfg.UpstreamTimeout),
	})
	links := kodik.NewProvider(kodik.Config{
		BaseURL:   cfg.LinkBaseURL,
		Token:     cfg.LinkToken,
		UserAgent: cfg.UserAgent,
		Client:    telemetry.HTTPClient("kodik", cfg.UpstreamTimeout),
	})
	if !links.Enabled() {
		logger.Warn("link provider token is not configured, searches will fail", slog.String("provider", links.Name()))
	}

	retry := upstream.DefaultRetryConfig()
	retry.InitialDelay = cfg.RetryBase
	retry.MaxDelay = cfg.RetryMax
	clientOptions := []upstream.ClientOption{
		upstream.WithRetryConfig(retry),
		upstream.WithLogger(logger),
	}
	components := &Components{Store: store}
	components.Redis = connectRedis(ctx, cfg.RedisURL, logger)
	if components.Redis != nil && !cfg.CacheDisabled {
		clientOptions = append(clientOptions, upstream.WithCache(upstream.NewRedisCache(components.Redis, cfg.MetadataCacheTTL)))
	}
	components.Upstream = upstream.NewClient(metadata, links, clientOptions...)

	components.Engine = reconcile.NewEngine(store, components.Upstream,
		reconcile.WithLogger(logger),
		reconcile.WithEntryCreated(aggregator.EntryCreatedHook(events)),
	)
	strategy := search.NewStrategy(components.Upstream,
		search.WithPacing(cfg.SearchPacing),
		search.WithLogger(logger),
	)
	components.Pipeline = aggregator.NewPipeline(strategy, components.Engine, store,
		aggregator.WithEvents(events),
		aggregator.WithLogger(logger),
	)
	return components, nil
}

func connectRedis(ctx context.Context, rawURL string, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(rawURL)
	if redisURL == "" {
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, metadata cache disabled", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, metadata cache disabled", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", options.Addr))
	return client
}

// NewRunner returns the configured job runner and its shutdown hook.
func (c *Components) NewRunner(cfg Config, logger *slog.Logger) (jobs.Runner, func(context.Context) error, error) {
	if cfg.JobBackend == "asynq" {
		opt, err := AsynqRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		runner := jobs.NewAsynqRunner(opt, logger)
		return runner, func(context.Context) error { return runner.Close() }, nil
	}
	runner := jobs.NewLocalRunner(c.Pipeline,
		jobs.WithConcurrency(cfg.JobConcurrency),
		jobs.WithBacklog(cfg.JobBacklog),
		jobs.WithLogger(logger),
	)
	return runner, runner.Shutdown, nil
}

// AsynqRedis turns REDIS_URL into asynq connection options.
func AsynqRedis(cfg Config) (asynq.RedisConnOpt, error) {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil, errors.New("JOB_BACKEND=asynq requires REDIS_URL")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opt, nil
}

func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
