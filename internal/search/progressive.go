package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"animecatalog/internal/domain"
	"animecatalog/internal/metrics"
)

var ErrEmptyQuery = errors.New("query is empty")

// LinkSearcher is the slice of the upstream client the strategy needs.
type LinkSearcher interface {
	SearchLinks(ctx context.Context, query string, strict bool) ([]domain.LinkResult, error)
}

// Handler processes one batch of new candidates and returns the upstream
// identifiers it processed successfully. Only those are excluded from later batches.
type Handler func(ctx context.Context, candidates []domain.Candidate) []string

// Summary describes one progressive search session.
type Summary struct {
	Query      string
	Subqueries int
	Failed     int
	// Discovered lists every upstream identifier returned, in first-seen order.
	Discovered []string
	// Processed lists identifiers the handler confirmed, in confirmation order.
	Processed []string
}

type Strategy struct {
	links   LinkSearcher
	limiter *rate.Limiter
	logger  *slog.Logger
}

type StrategyOption func(*Strategy)

// WithPacing spaces upstream calls at least interval apart. Zero disables pacing.
func WithPacing(interval time.Duration) StrategyOption {
	return func(s *Strategy) {
		if interval <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

func WithLogger(logger *slog.Logger) StrategyOption {
	return func(s *Strategy) {
		s.logger = logger
	}
}

func NewStrategy(links LinkSearcher, options ...StrategyOption) *Strategy {
	strategy := &Strategy{
		links:   links,
		limiter: rate.NewLimiter(rate.Every(350*time.Millisecond), 1),
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(strategy)
		}
	}
	if strategy.logger == nil {
		strategy.logger = slog.Default()
	}
	return strategy
}

// SubQueries returns the full phrase followed by its word prefixes of
// length 1 through n-1.
func SubQueries(query string) []string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return nil
	}
	out := make([]string, 0, len(words))
	out = append(out, strings.Join(words, " "))
	for i := 1; i < len(words); i++ {
		out = append(out, strings.Join(words[:i], " "))
	}
	return out
}

// Run executes every sub-query with loose matching and feeds each batch of
// not-yet-processed candidates to handle. A failing sub-query is logged and
// skipped. Run only returns an error for an empty query or a cancelled context.
func (s *Strategy) Run(ctx context.Context, query string, handle Handler) (Summary, error) {
	subqueries := SubQueries(query)
	if len(subqueries) == 0 {
		return Summary{}, ErrEmptyQuery
	}
	summary := Summary{Query: subqueries[0]}
	processed := make(map[string]struct{})
	discovered := make(map[string]struct{})

	for _, subquery := range subqueries {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return summary, err
			}
		}
		summary.Subqueries++

		results, err := s.links.SearchLinks(ctx, subquery, false)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			summary.Failed++
			metrics.SubqueriesTotal.WithLabelValues("error").Inc()
			s.logger.Warn("sub-query failed",
				slog.String("query", summary.Query),
				slog.String("subquery", subquery),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.SubqueriesTotal.WithLabelValues("ok").Inc()

		candidates := domain.GroupCandidates(results)
		fresh := make([]domain.Candidate, 0, len(candidates))
		for _, candidate := range candidates {
			if _, ok := discovered[candidate.UpstreamID]; !ok {
				discovered[candidate.UpstreamID] = struct{}{}
				summary.Discovered = append(summary.Discovered, candidate.UpstreamID)
			}
			if _, done := processed[candidate.UpstreamID]; done {
				continue
			}
			fresh = append(fresh, candidate)
		}
		s.logger.Debug("sub-query completed",
			slog.String("subquery", subquery),
			slog.Int("results", len(results)),
			slog.Int("candidates", len(candidates)),
			slog.Int("new", len(fresh)),
		)
		if len(fresh) == 0 || handle == nil {
			continue
		}

		for _, id := range handle(ctx, fresh) {
			if _, done := processed[id]; done {
				continue
			}
			processed[id] = struct{}{}
			summary.Processed = append(summary.Processed, id)
		}
	}
	return summary, nil
}
