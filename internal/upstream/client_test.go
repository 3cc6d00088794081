package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"animecatalog/internal/domain"
)

type fakeMetadata struct {
	mu           sync.Mutex
	infoErr      error
	altErr       error
	record       domain.MetadataRecord
	infoCalls    int
	altCalls     int
	searchResult []domain.MetadataRecord
	searchErr    error
}

func (f *fakeMetadata) Name() string { return "shikimori" }

func (f *fakeMetadata) Search(context.Context, string) ([]domain.MetadataRecord, error) {
	return f.searchResult, f.searchErr
}

func (f *fakeMetadata) Info(context.Context, string) (domain.MetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return domain.MetadataRecord{}, f.infoErr
	}
	return f.record, nil
}

func (f *fakeMetadata) InfoAlternate(context.Context, string) (domain.MetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.altCalls++
	if f.altErr != nil {
		return domain.MetadataRecord{}, f.altErr
	}
	return f.record, nil
}

type fakeLinks struct {
	results []domain.LinkResult
	err     error
	strict  []bool
}

func (f *fakeLinks) Name() string { return "kodik" }

func (f *fakeLinks) Search(_ context.Context, _ string, strict bool) ([]domain.LinkResult, error) {
	f.strict = append(f.strict, strict)
	return f.results, f.err
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.data[key]
	return value, ok
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
}

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func TestMetadataInfoFallsBackToAlternateOnce(t *testing.T) {
	meta := &fakeMetadata{
		infoErr: &APIError{Provider: "shikimori", StatusCode: http.StatusBadGateway},
		record:  domain.MetadataRecord{Title: "Стальной алхимик", TitleOriginal: "Fullmetal Alchemist"},
	}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()))

	record, err := client.MetadataInfo(context.Background(), "121")
	if err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}
	if record.TitleOriginal != "Fullmetal Alchemist" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.UpstreamID != "121" {
		t.Fatalf("expected upstream id to be filled, got %q", record.UpstreamID)
	}
	if meta.infoCalls != 1 || meta.altCalls != 1 {
		t.Fatalf("expected 1 primary and 1 alternate call, got %d/%d", meta.infoCalls, meta.altCalls)
	}
}

func TestMetadataInfoAlternateFailureReturnsError(t *testing.T) {
	meta := &fakeMetadata{
		infoErr: &APIError{Provider: "shikimori", StatusCode: http.StatusInternalServerError},
		altErr:  &APIError{Provider: "shikimori", StatusCode: http.StatusServiceUnavailable},
	}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()))

	_, err := client.MetadataInfo(context.Background(), "1")
	if !errors.Is(err, ErrProviderSide) {
		t.Fatalf("expected provider-side error, got %v", err)
	}
	if meta.altCalls != 1 {
		t.Fatalf("alternate endpoint must be tried exactly once, got %d", meta.altCalls)
	}
}

func TestMetadataInfoRateLimitedDoesNotUseAlternate(t *testing.T) {
	meta := &fakeMetadata{infoErr: &APIError{Provider: "shikimori", StatusCode: http.StatusTooManyRequests}}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()))

	_, err := client.MetadataInfo(context.Background(), "1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if meta.infoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", meta.infoCalls)
	}
	if meta.altCalls != 0 {
		t.Fatalf("alternate endpoint must not be used for rate limits, got %d calls", meta.altCalls)
	}
}

func TestMetadataInfoUsesCache(t *testing.T) {
	meta := &fakeMetadata{record: domain.MetadataRecord{Title: "Naruto", TitleOriginal: "Naruto"}}
	cache := &memoryCache{}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()), WithCache(cache))

	for i := 0; i < 3; i++ {
		if _, err := client.MetadataInfo(context.Background(), "20"); err != nil {
			t.Fatalf("MetadataInfo: %v", err)
		}
	}
	if meta.infoCalls != 1 {
		t.Fatalf("expected a single upstream call, got %d", meta.infoCalls)
	}
}

func TestMetadataInfoFallsBackToAlternateWhenPrimaryUnreachable(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	meta := &fakeMetadata{
		infoErr: fmt.Errorf("shikimori info: %w", refused),
		record:  domain.MetadataRecord{Title: "Наруто", TitleOriginal: "Naruto"},
	}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()))

	record, err := client.MetadataInfo(context.Background(), "20")
	if err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}
	if record.TitleOriginal != "Naruto" {
		t.Fatalf("unexpected record %+v", record)
	}
	if meta.infoCalls != 3 || meta.altCalls != 1 {
		t.Fatalf("expected 3 primary and 1 alternate call, got %d/%d", meta.infoCalls, meta.altCalls)
	}
}

func TestMetadataInfoNoResultsDoesNotUseAlternate(t *testing.T) {
	meta := &fakeMetadata{infoErr: &APIError{Provider: "shikimori", StatusCode: http.StatusNotFound}}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()))

	_, err := client.MetadataInfo(context.Background(), "404")
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
	if meta.altCalls != 0 {
		t.Fatalf("alternate endpoint must not be used for missing titles, got %d calls", meta.altCalls)
	}
}

func TestMetadataInfoFreshBypassesAndUpdatesCache(t *testing.T) {
	meta := &fakeMetadata{record: domain.MetadataRecord{TitleOriginal: "Naruto", Description: "old"}}
	cache := &memoryCache{}
	client := NewClient(meta, nil, WithRetryConfig(fastRetry()), WithCache(cache))
	ctx := context.Background()

	if _, err := client.MetadataInfo(ctx, "1"); err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}
	meta.mu.Lock()
	meta.record.Description = "new"
	meta.mu.Unlock()

	fresh, err := client.MetadataInfoFresh(ctx, "1")
	if err != nil {
		t.Fatalf("MetadataInfoFresh: %v", err)
	}
	if fresh.Description != "new" {
		t.Fatalf("expected re-fetched description, got %q", fresh.Description)
	}
	if meta.infoCalls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", meta.infoCalls)
	}

	cached, err := client.MetadataInfo(ctx, "1")
	if err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}
	if cached.Description != "new" || meta.infoCalls != 2 {
		t.Fatalf("cache not overwritten: description=%q calls=%d", cached.Description, meta.infoCalls)
	}
}

func TestSearchLinksNoResultsIsEmpty(t *testing.T) {
	links := &fakeLinks{err: &APIError{Provider: "kodik", StatusCode: http.StatusNotFound}}
	client := NewClient(nil, links, WithRetryConfig(fastRetry()))

	results, err := client.SearchLinks(context.Background(), "nothing", false)
	if err != nil {
		t.Fatalf("expected nil error for no results, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}
	if len(links.strict) != 1 || links.strict[0] {
		t.Fatalf("expected one loose call, got %v", links.strict)
	}
}

func TestProvidersReportsHealth(t *testing.T) {
	meta := &fakeMetadata{infoErr: errors.New("boom")}
	links := &fakeLinks{}
	client := NewClient(meta, links, WithRetryConfig(fastRetry()))

	_, _ = client.MetadataInfo(context.Background(), "5")
	_, _ = client.SearchLinks(context.Background(), "x", false)

	statuses := client.Providers()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(statuses))
	}
	if statuses[0].Name != "kodik" || statuses[1].Name != "shikimori" {
		t.Fatalf("unexpected order: %+v", statuses)
	}
	if statuses[1].ConsecutiveFailures != 1 || statuses[1].LastError == "" {
		t.Fatalf("expected failure bookkeeping for shikimori: %+v", statuses[1])
	}
	if statuses[0].TotalRequests != 1 || statuses[0].TotalFailures != 0 {
		t.Fatalf("expected clean kodik bookkeeping: %+v", statuses[0])
	}
}
