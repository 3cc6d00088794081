package refresh

import (
	"context"
	"fmt"
	"log/slog"

	"animecatalog/internal/metrics"
)

const DefaultThreshold = 5

// Counter is the catalog surface the scheduler needs.
type Counter interface {
	IncrementRequestCount(ctx context.Context, entryID uint64) (int, error)
	ResetRequestCountIfAtLeast(ctx context.Context, entryID uint64, threshold int) (bool, error)
	UpstreamIDForEntry(ctx context.Context, entryID uint64) (string, bool, error)
}

// Dispatcher hands a refresh to background execution.
type Dispatcher interface {
	EnqueueRefresh(ctx context.Context, entryID uint64, upstreamID string) error
}

type Decision string

const (
	DecisionCounted    Decision = "counted"
	DecisionScheduled  Decision = "scheduled"
	DecisionNoUpstream Decision = "no_upstream_id"
	DecisionLostReset  Decision = "lost_reset"
)

type Scheduler struct {
	counter    Counter
	dispatcher Dispatcher
	threshold  int
	logger     *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithThreshold(threshold int) SchedulerOption {
	return func(s *Scheduler) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewScheduler(counter Counter, dispatcher Dispatcher, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		counter:    counter,
		dispatcher: dispatcher,
		threshold:  DefaultThreshold,
		logger:     slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	return s
}

func (s *Scheduler) Threshold() int {
	return s.threshold
}

// Touch records one read of the entry. When the counter reaches the threshold
// it is reset before anything is dispatched, so a failing refresh cannot be
// retriggered by the next read. Only the caller whose reset took effect
// dispatches.
func (s *Scheduler) Touch(ctx context.Context, entryID uint64) (Decision, error) {
	count, err := s.counter.IncrementRequestCount(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("touch entry %d: %w", entryID, err)
	}
	if count < s.threshold {
		return DecisionCounted, nil
	}

	won, err := s.counter.ResetRequestCountIfAtLeast(ctx, entryID, s.threshold)
	if err != nil {
		return "", fmt.Errorf("touch entry %d: %w", entryID, err)
	}
	if !won {
		return DecisionLostReset, nil
	}

	upstreamID, ok, err := s.counter.UpstreamIDForEntry(ctx, entryID)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("lookup_failed").Inc()
		return "", fmt.Errorf("touch entry %d: recover upstream id: %w", entryID, err)
	}
	if !ok {
		metrics.RefreshesTotal.WithLabelValues("no_upstream_id").Inc()
		s.logger.Info("refresh skipped, no upstream id", slog.Uint64("entryId", entryID))
		return DecisionNoUpstream, nil
	}

	if err := s.dispatcher.EnqueueRefresh(ctx, entryID, upstreamID); err != nil {
		metrics.RefreshesTotal.WithLabelValues("dispatch_failed").Inc()
		return "", fmt.Errorf("touch entry %d: dispatch refresh: %w", entryID, err)
	}
	metrics.RefreshesTotal.WithLabelValues("scheduled").Inc()
	s.logger.Info("refresh scheduled",
		slog.Uint64("entryId", entryID),
		slog.String("upstreamId", upstreamID),
		slog.Int("requestCount", count),
	)
	return DecisionScheduled, nil
}
