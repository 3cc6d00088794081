package aggregator

import (
	"context"
	"log/slog"

	"animecatalog/internal/domain"
	"animecatalog/internal/refresh"
)

type Catalog interface {
	SearchEntries(ctx context.Context, query string, limit int) ([]domain.Entry, error)
	GetEntry(ctx context.Context, id uint64) (domain.EntryDetail, error)
}

type Dispatcher interface {
	EnqueueSearch(ctx context.Context, query string) error
}

type Freshness interface {
	Touch(ctx context.Context, entryID uint64) (refresh.Decision, error)
}

// Service is the trigger surface used by user-facing reads.
type Service struct {
	catalog    Catalog
	dispatcher Dispatcher
	freshness  Freshness
	limit      int
	logger     *slog.Logger
}

type ServiceOption func(*Service)

func WithResultLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(catalog Catalog, dispatcher Dispatcher, freshness Freshness, options ...ServiceOption) *Service {
	s := &Service{
		catalog:    catalog,
		dispatcher: dispatcher,
		freshness:  freshness,
		limit:      20,
		logger:     slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	return s
}

// EnsureTitle returns what the catalog already knows about query and
// schedules background enrichment. The caller never waits on upstreams.
func (s *Service) EnsureTitle(ctx context.Context, raw string) ([]domain.Entry, error) {
	query, err := normalizeQuery(raw)
	if err != nil {
		return nil, err
	}
	entries, err := s.catalog.SearchEntries(ctx, query, s.limit)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.EnqueueSearch(ctx, query); err != nil {
		s.logger.Warn("aggregation not scheduled", slog.String("query", query), slog.String("error", err.Error()))
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	return entries, nil
}

// EnsureFresh reads one entry and counts the read toward its refresh.
func (s *Service) EnsureFresh(ctx context.Context, entryID uint64) (domain.EntryDetail, error) {
	detail, err := s.catalog.GetEntry(ctx, entryID)
	if err != nil {
		return domain.EntryDetail{}, err
	}
	decision, err := s.freshness.Touch(ctx, entryID)
	if err != nil {
		s.logger.Warn("refresh policy failed", slog.Uint64("entryId", entryID), slog.String("error", err.Error()))
		return detail, nil
	}
	if decision == refresh.DecisionCounted {
		detail.RequestCount++
	} else {
		detail.RequestCount = 0
	}
	return detail, nil
}
