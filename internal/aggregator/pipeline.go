package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"animecatalog/internal/domain"
	"animecatalog/internal/reconcile"
	"animecatalog/internal/search"
)

const maxQueryRunes = 200

var ErrInvalidQuery = errors.New("invalid query")

type Searcher interface {
	Run(ctx context.Context, query string, handle search.Handler) (search.Summary, error)
}

type Reconciler interface {
	ProcessBatch(ctx context.Context, candidates []domain.Candidate) reconcile.Report
	Refresh(ctx context.Context, entryID uint64, upstreamID string) error
}

type UpstreamIDs interface {
	UpstreamIDForEntry(ctx context.Context, entryID uint64) (string, bool, error)
}

// Pipeline runs the aggregation end to end: progressive search feeding the
// reconcile engine. Runners call it in the background.
type Pipeline struct {
	searcher   Searcher
	reconciler Reconciler
	ids        UpstreamIDs
	events     EventSink
	logger     *slog.Logger
}

type PipelineOption func(*Pipeline)

func WithEvents(sink EventSink) PipelineOption {
	return func(p *Pipeline) {
		p.events = sink
	}
}

func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(searcher Searcher, reconciler Reconciler, ids UpstreamIDs, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		searcher:   searcher,
		reconciler: reconciler,
		ids:        ids,
		logger:     slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(p)
		}
	}
	return p
}

func normalizeQuery(raw string) (string, error) {
	query := strings.Join(strings.Fields(raw), " ")
	if query == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidQuery, maxQueryRunes)
	}
	return query, nil
}

// RunSearch aggregates everything the link provider knows about query into
// the catalog and reports what changed.
func (p *Pipeline) RunSearch(ctx context.Context, raw string) (reconcile.Report, error) {
	query, err := normalizeQuery(raw)
	if err != nil {
		return reconcile.Report{}, err
	}
	runID := uuid.NewString()
	logger := p.logger.With(slog.String("runId", runID), slog.String("query", query))
	started := time.Now()
	logger.Info("aggregation started")

	var total reconcile.Report
	summary, err := p.searcher.Run(ctx, query, func(ctx context.Context, candidates []domain.Candidate) []string {
		report := p.reconciler.ProcessBatch(ctx, candidates)
		total.Added += report.Added
		total.Attached += report.Attached
		total.Skipped += report.Skipped
		total.Failed += report.Failed
		total.Processed = append(total.Processed, report.Processed...)
		total.Entries = appendUnique(total.Entries, report.Entries...)
		return report.Processed
	})
	if err != nil {
		logger.Warn("aggregation aborted", slog.String("error", err.Error()))
		return total, fmt.Errorf("aggregate %q: %w", query, err)
	}

	logger.Info("aggregation finished",
		slog.Int("subqueries", summary.Subqueries),
		slog.Int("failedSubqueries", summary.Failed),
		slog.Int("discovered", len(summary.Discovered)),
		slog.Int("added", total.Added),
		slog.Int("attached", total.Attached),
		slog.Int("skipped", total.Skipped),
		slog.Int("failed", total.Failed),
		slog.Duration("took", time.Since(started)),
	)
	if p.events != nil {
		p.events.Publish(Event{
			Type:  EventSearchCompleted,
			RunID: runID,
			At:    time.Now().UTC(),
			Data: SearchCompleted{
				Query:      query,
				Subqueries: summary.Subqueries,
				Failed:     summary.Failed,
				Added:      total.Added,
				Attached:   total.Attached,
				Skipped:    total.Skipped,
				Errors:     total.Failed,
				Entries:    total.Entries,
			},
		})
	}
	return total, nil
}

// RefreshEntry re-fetches one entry. An empty upstreamID is recovered from
// the entry's links.
func (p *Pipeline) RefreshEntry(ctx context.Context, entryID uint64, upstreamID string) error {
	if strings.TrimSpace(upstreamID) == "" {
		id, ok, err := p.ids.UpstreamIDForEntry(ctx, entryID)
		if err != nil {
			return fmt.Errorf("refresh entry %d: %w", entryID, err)
		}
		if !ok {
			return fmt.Errorf("refresh entry %d: no upstream id recoverable: %w", entryID, domain.ErrNotFound)
		}
		upstreamID = id
	}
	return p.reconciler.Refresh(ctx, entryID, upstreamID)
}

func appendUnique(dst []uint64, values ...uint64) []uint64 {
	for _, value := range values {
		seen := false
		for _, existing := range dst {
			if existing == value {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, value)
		}
	}
	return dst
}
