package jobs

import (
	"context"
	"errors"

	"animecatalog/internal/reconcile"
)

const (
	TypeAggregate = "catalog:aggregate"
	TypeRefresh   = "catalog:refresh"
)

var (
	ErrRunnerClosed = errors.New("job runner closed")
	ErrQueueFull    = errors.New("job backlog full")
)

// Pipeline is the work the runners execute.
type Pipeline interface {
	RunSearch(ctx context.Context, query string) (reconcile.Report, error)
	RefreshEntry(ctx context.Context, entryID uint64, upstreamID string) error
}

// Runner schedules pipeline work without blocking the caller.
type Runner interface {
	EnqueueSearch(ctx context.Context, query string) error
	EnqueueRefresh(ctx context.Context, entryID uint64, upstreamID string) error
}

type aggregatePayload struct {
	Query string `json:"query"`
}

type refreshPayload struct {
	EntryID    uint64 `json:"entry_id"`
	UpstreamID string `json:"upstream_id"`
}
