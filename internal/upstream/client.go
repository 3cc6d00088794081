package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	"animecatalog/internal/domain"
	"animecatalog/internal/metrics"
)

// MetadataProvider is the metadata source adapter contract.
type MetadataProvider interface {
	Name() string
	Search(ctx context.Context, title string) ([]domain.MetadataRecord, error)
	Info(ctx context.Context, upstreamID string) (domain.MetadataRecord, error)
	// InfoAlternate reads the same record through the provider's secondary endpoint form.
	InfoAlternate(ctx context.Context, upstreamID string) (domain.MetadataRecord, error)
}

// LinkProvider is the player-index source adapter contract.
type LinkProvider interface {
	Name() string
	Search(ctx context.Context, query string, strict bool) ([]domain.LinkResult, error)
}

// Client is the process-scoped handle over both providers. It is built once at
// startup and passed to the search strategy and the reconciliation engine.
type Client struct {
	metadata MetadataProvider
	links    LinkProvider
	retry    RetryConfig
	cache    Cache
	logger   *slog.Logger
	health   *healthBook
	group    singleflight.Group
	now      func() time.Time
}

type ClientOption func(*Client)

func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

func WithCache(cache Cache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(metadata MetadataProvider, links LinkProvider, options ...ClientOption) *Client {
	client := &Client{
		metadata: metadata,
		links:    links,
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
		health:   newHealthBook(),
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client
}

// SearchLinks queries the link provider. "No results" yields an empty slice.
func (c *Client) SearchLinks(ctx context.Context, query string, strict bool) ([]domain.LinkResult, error) {
	if c.links == nil {
		return nil, fmt.Errorf("link provider: %w", ErrProviderSide)
	}
	var results []domain.LinkResult
	err := c.call(ctx, c.links.Name(), "search", query, func() error {
		var err error
		results, err = c.links.Search(ctx, query, strict)
		return err
	})
	if errors.Is(err, ErrNoResults) {
		return nil, nil
	}
	return results, err
}

// SearchMetadata queries the metadata provider by title. "No results" yields an empty slice.
func (c *Client) SearchMetadata(ctx context.Context, title string) ([]domain.MetadataRecord, error) {
	if c.metadata == nil {
		return nil, fmt.Errorf("metadata provider: %w", ErrProviderSide)
	}
	var records []domain.MetadataRecord
	err := c.call(ctx, c.metadata.Name(), "search", title, func() error {
		var err error
		records, err = c.metadata.Search(ctx, title)
		return err
	})
	if errors.Is(err, ErrNoResults) {
		return nil, nil
	}
	return records, err
}

// MetadataInfo fetches one record by upstream identifier, reading through the
// cache. A provider-side or transport failure of the primary endpoint is
// retried once against the alternate form. ErrNoResults is returned when the
// title does not exist upstream.
func (c *Client) MetadataInfo(ctx context.Context, upstreamID string) (domain.MetadataRecord, error) {
	return c.metadataInfo(ctx, upstreamID, true)
}

// MetadataInfoFresh always goes upstream and overwrites the cached record.
func (c *Client) MetadataInfoFresh(ctx context.Context, upstreamID string) (domain.MetadataRecord, error) {
	return c.metadataInfo(ctx, upstreamID, false)
}

func (c *Client) metadataInfo(ctx context.Context, upstreamID string, useCache bool) (domain.MetadataRecord, error) {
	id := strings.TrimSpace(upstreamID)
	if id == "" {
		return domain.MetadataRecord{}, fmt.Errorf("metadata info: empty identifier: %w", ErrNoResults)
	}
	if c.metadata == nil {
		return domain.MetadataRecord{}, fmt.Errorf("metadata provider: %w", ErrProviderSide)
	}
	key := id
	if useCache {
		if record, ok := c.cachedRecord(ctx, id); ok {
			return record, nil
		}
	} else {
		key = "fresh:" + id
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetchInfo(ctx, id)
	})
	if err != nil {
		return domain.MetadataRecord{}, err
	}
	record := value.(domain.MetadataRecord)
	if record.UpstreamID == "" {
		record.UpstreamID = id
	}
	c.storeRecord(ctx, id, record)
	return record, nil
}

func (c *Client) fetchInfo(ctx context.Context, id string) (domain.MetadataRecord, error) {
	name := c.metadata.Name()
	var record domain.MetadataRecord
	err := c.call(ctx, name, "info", id, func() error {
		var err error
		record, err = c.metadata.Info(ctx, id)
		return err
	})
	if err == nil || !alternateEligible(ctx, err) {
		return record, err
	}

	c.logger.Info("metadata primary endpoint failed, trying alternate",
		slog.String("provider", name),
		slog.String("upstreamId", id),
		slog.String("error", err.Error()),
	)
	altErr := c.call(ctx, name, "info_alternate", id, func() error {
		var err error
		record, err = c.metadata.InfoAlternate(ctx, id)
		return err
	})
	metrics.UpstreamFallbacksTotal.WithLabelValues(statusLabel(altErr)).Inc()
	if altErr != nil {
		return domain.MetadataRecord{}, fmt.Errorf("alternate endpoint: %w (primary: %v)", altErr, err)
	}
	return record, nil
}

// alternateEligible covers 5xx answers and primary hosts that cannot be reached.
func alternateEligible(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrProviderSide) || isTransientError(err)
}

func (c *Client) call(ctx context.Context, provider, operation, query string, fn func() error) error {
	cfg := c.retry
	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.UpstreamRetriesTotal.WithLabelValues(provider).Inc()
		c.logger.Warn("upstream call backing off",
			slog.String("provider", provider),
			slog.String("operation", operation),
			slog.String("query", query),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}

	started := c.now()
	err := RetryOnRateLimit(ctx, cfg, fn)
	c.health.record(provider, operation, query, err, c.now().Sub(started), c.now())
	return err
}

func (c *Client) cachedRecord(ctx context.Context, id string) (domain.MetadataRecord, bool) {
	if c.cache == nil {
		return domain.MetadataRecord{}, false
	}
	data, ok := c.cache.Get(ctx, id)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return domain.MetadataRecord{}, false
	}
	var record domain.MetadataRecord
	if err := sonic.Unmarshal(data, &record); err != nil {
		metrics.CacheMissesTotal.Inc()
		return domain.MetadataRecord{}, false
	}
	metrics.CacheHitsTotal.Inc()
	return record, true
}

func (c *Client) storeRecord(ctx context.Context, id string, record domain.MetadataRecord) {
	if c.cache == nil {
		return
	}
	data, err := sonic.Marshal(record)
	if err != nil {
		return
	}
	c.cache.Set(ctx, id, data)
}

// Providers reports bookkeeping for every configured provider.
func (c *Client) Providers() []ProviderStatus {
	names := make([]string, 0, 2)
	if c.metadata != nil {
		names = append(names, c.metadata.Name())
	}
	if c.links != nil {
		names = append(names, c.links.Name())
	}
	return c.health.snapshot(names)
}
