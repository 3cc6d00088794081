package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"animecatalog/internal/domain"
	"animecatalog/internal/metrics"
	"animecatalog/internal/upstream"
)

// Catalog is the store surface the engine writes through.
type Catalog interface {
	FindByTitleOriginal(ctx context.Context, titleOriginal string) (domain.Entry, error)
	CreateEntry(ctx context.Context, record domain.MetadataRecord) (domain.Entry, bool, error)
	LinkGenres(ctx context.Context, entryID uint64, names []string) error
	LinkThemes(ctx context.Context, entryID uint64, names []string) error
	AttachLink(ctx context.Context, entryID uint64, upstreamID string, ref domain.PlayerRef) (bool, error)
	ApplyRefresh(ctx context.Context, entryID uint64, record domain.MetadataRecord, refreshedAt time.Time) error
}

// Metadata resolves full records from the metadata provider. MetadataInfoFresh
// must not be served from a cache.
type Metadata interface {
	MetadataInfo(ctx context.Context, upstreamID string) (domain.MetadataRecord, error)
	MetadataInfoFresh(ctx context.Context, upstreamID string) (domain.MetadataRecord, error)
}

type Outcome string

const (
	OutcomeAdded    Outcome = "added"
	OutcomeAttached Outcome = "attached"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result describes what happened to one candidate.
type Result struct {
	UpstreamID    string
	Outcome       Outcome
	EntryID       uint64
	TitleOriginal string
	LinksAdded    int
	LinkErrors    int
	Reason        string
}

// Succeeded reports whether the candidate is fully represented in the catalog.
func (r Result) Succeeded() bool {
	return (r.Outcome == OutcomeAdded || r.Outcome == OutcomeAttached) && r.LinkErrors == 0
}

type Engine struct {
	catalog   Catalog
	metadata  Metadata
	logger    *slog.Logger
	now       func() time.Time
	onCreated func(domain.Entry)
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEntryCreated registers a callback for entries this engine inserted.
func WithEntryCreated(fn func(domain.Entry)) EngineOption {
	return func(e *Engine) {
		e.onCreated = fn
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(catalog Catalog, metadata Metadata, options ...EngineOption) *Engine {
	engine := &Engine{
		catalog:  catalog,
		metadata: metadata,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	return engine
}

// Process turns one candidate into catalog state. The returned error is set
// only for OutcomeFailed; skipped candidates carry a Reason instead.
func (e *Engine) Process(ctx context.Context, candidate domain.Candidate) (Result, error) {
	result, err := e.process(ctx, candidate)
	metrics.CandidatesTotal.WithLabelValues(string(result.Outcome)).Inc()

	attrs := []any{
		slog.String("upstreamId", candidate.UpstreamID),
		slog.String("outcome", string(result.Outcome)),
	}
	if result.EntryID != 0 {
		attrs = append(attrs, slog.Uint64("entryId", result.EntryID), slog.String("titleOriginal", result.TitleOriginal))
	}
	switch result.Outcome {
	case OutcomeFailed:
		e.logger.Warn("candidate failed", append(attrs, slog.String("error", err.Error()))...)
	case OutcomeSkipped:
		e.logger.Info("candidate skipped", append(attrs, slog.String("reason", result.Reason))...)
	default:
		e.logger.Debug("candidate reconciled", append(attrs,
			slog.Int("linksAdded", result.LinksAdded),
			slog.Int("linkErrors", result.LinkErrors),
		)...)
	}
	return result, err
}

func (e *Engine) process(ctx context.Context, candidate domain.Candidate) (Result, error) {
	result := Result{UpstreamID: strings.TrimSpace(candidate.UpstreamID)}
	if result.UpstreamID == "" {
		result.Outcome = OutcomeSkipped
		result.Reason = "candidate has no upstream identifier"
		return result, nil
	}

	var record domain.MetadataRecord
	if candidate.Inline != nil {
		record = *candidate.Inline
	}
	record.UpstreamID = result.UpstreamID
	titleOriginal := domain.CanonicalTitle(record.TitleOriginal)

	if titleOriginal != "" {
		existing, found, err := e.lookup(ctx, titleOriginal)
		if err != nil {
			return failed(result, err)
		}
		if found {
			return e.attach(ctx, result, existing, candidate, record, OutcomeAttached, false)
		}
	}

	if !record.Sufficient() {
		fetched, err := e.metadata.MetadataInfo(ctx, result.UpstreamID)
		if err != nil {
			result.Outcome = OutcomeSkipped
			result.Reason = "metadata unavailable: " + err.Error()
			return result, nil
		}
		record = mergeRecords(fetched, record)
		record.UpstreamID = result.UpstreamID
		fetchedOriginal := domain.CanonicalTitle(record.TitleOriginal)
		if fetchedOriginal == "" {
			result.Outcome = OutcomeSkipped
			result.Reason = "metadata has no original title"
			return result, nil
		}
		if fetchedOriginal != titleOriginal {
			existing, found, err := e.lookup(ctx, fetchedOriginal)
			if err != nil {
				return failed(result, err)
			}
			if found {
				return e.attach(ctx, result, existing, candidate, record, OutcomeAttached, false)
			}
		}
	}

	entry, created, err := e.catalog.CreateEntry(ctx, record)
	if err != nil {
		return failed(result, fmt.Errorf("create entry: %w", err))
	}
	outcome := OutcomeAttached
	if created {
		outcome = OutcomeAdded
		if e.onCreated != nil {
			e.onCreated(entry)
		}
	}
	// A lost race still links vocabulary: the winner may not have finished.
	return e.attach(ctx, result, entry, candidate, record, outcome, true)
}

func (e *Engine) lookup(ctx context.Context, titleOriginal string) (domain.Entry, bool, error) {
	entry, err := e.catalog.FindByTitleOriginal(ctx, titleOriginal)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Entry{}, false, nil
	}
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("lookup %q: %w", titleOriginal, err)
	}
	return entry, true, nil
}

// attach links vocabulary (for entries written by this run) and players.
// Failures here never undo the entry, which is already committed.
func (e *Engine) attach(ctx context.Context, result Result, entry domain.Entry, candidate domain.Candidate, record domain.MetadataRecord, outcome Outcome, linkVocabulary bool) (Result, error) {
	result.EntryID = entry.ID
	result.TitleOriginal = entry.TitleOriginal
	result.Outcome = outcome
	if linkVocabulary {
		if err := e.catalog.LinkGenres(ctx, entry.ID, record.Genres); err != nil {
			result.LinkErrors++
			e.logger.Warn("genre linking failed", slog.Uint64("entryId", entry.ID), slog.String("error", err.Error()))
		}
		if err := e.catalog.LinkThemes(ctx, entry.ID, record.Themes); err != nil {
			result.LinkErrors++
			e.logger.Warn("theme linking failed", slog.Uint64("entryId", entry.ID), slog.String("error", err.Error()))
		}
	}

	for _, ref := range candidate.Players {
		created, err := e.catalog.AttachLink(ctx, entry.ID, result.UpstreamID, ref)
		if err != nil {
			result.LinkErrors++
			e.logger.Warn("player linking failed",
				slog.Uint64("entryId", entry.ID),
				slog.String("embedUrl", ref.EmbedURL),
				slog.String("error", err.Error()),
			)
			continue
		}
		if created {
			result.LinksAdded++
		}
	}
	return result, nil
}

func failed(result Result, err error) (Result, error) {
	result.Outcome = OutcomeFailed
	result.Reason = err.Error()
	return result, err
}

// mergeRecords fills the gaps of primary with values from fallback.
func mergeRecords(primary, fallback domain.MetadataRecord) domain.MetadataRecord {
	out := primary
	if out.Title == "" {
		out.Title = fallback.Title
	}
	if out.TitleOriginal == "" {
		out.TitleOriginal = fallback.TitleOriginal
	}
	if out.Poster == "" {
		out.Poster = fallback.Poster
	}
	if out.Description == "" {
		out.Description = fallback.Description
	}
	if out.Year == 0 {
		out.Year = fallback.Year
	}
	if out.Kind == "" {
		out.Kind = fallback.Kind
	}
	if out.Episodes == 0 {
		out.Episodes = fallback.Episodes
	}
	if out.AgeRating == "" {
		out.AgeRating = fallback.AgeRating
	}
	if out.Score == 0 {
		out.Score = fallback.Score
	}
	if out.Studio == "" {
		out.Studio = fallback.Studio
	}
	if out.Status == domain.StatusUnknown {
		out.Status = fallback.Status
	}
	if len(out.Genres) == 0 {
		out.Genres = fallback.Genres
	}
	if len(out.Themes) == 0 {
		out.Themes = fallback.Themes
	}
	return out
}

// Refresh re-fetches metadata for an existing entry and applies it.
func (e *Engine) Refresh(ctx context.Context, entryID uint64, upstreamID string) error {
	id := strings.TrimSpace(upstreamID)
	if id == "" {
		metrics.RefreshesTotal.WithLabelValues("no_upstream_id").Inc()
		return fmt.Errorf("refresh entry %d: %w", entryID, upstream.ErrNoResults)
	}
	record, err := e.metadata.MetadataInfoFresh(ctx, id)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("fetch_failed").Inc()
		return fmt.Errorf("refresh entry %d: %w", entryID, err)
	}
	if err := e.catalog.ApplyRefresh(ctx, entryID, record, e.now()); err != nil {
		metrics.RefreshesTotal.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("refresh entry %d: %w", entryID, err)
	}
	metrics.RefreshesTotal.WithLabelValues("applied").Inc()
	e.logger.Info("entry refreshed", slog.Uint64("entryId", entryID), slog.String("upstreamId", id))
	return nil
}
