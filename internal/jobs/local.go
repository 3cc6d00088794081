package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"animecatalog/internal/metrics"
)

const (
	defaultConcurrency = 4
	defaultBacklog     = 64
)

// LocalRunner executes jobs in detached goroutines bounded by a weighted
// semaphore. At most concurrency+backlog jobs exist at once; further
// enqueues fail with ErrQueueFull. Jobs keep running when the enqueuing
// caller goes away.
type LocalRunner struct {
	pipeline    Pipeline
	concurrency int
	backlog     int
	sem         *semaphore.Weighted
	slots       *semaphore.Weighted
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type LocalOption func(*LocalRunner)

func WithConcurrency(n int) LocalOption {
	return func(r *LocalRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBacklog sets how many jobs may wait for a free worker.
func WithBacklog(n int) LocalOption {
	return func(r *LocalRunner) {
		if n >= 0 {
			r.backlog = n
		}
	}
}

func WithLogger(logger *slog.Logger) LocalOption {
	return func(r *LocalRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewLocalRunner(pipeline Pipeline, options ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		pipeline:    pipeline,
		concurrency: defaultConcurrency,
		backlog:     defaultBacklog,
		logger:      slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	r.sem = semaphore.NewWeighted(int64(r.concurrency))
	r.slots = semaphore.NewWeighted(int64(r.concurrency + r.backlog))
	return r
}

func (r *LocalRunner) EnqueueSearch(ctx context.Context, query string) error {
	return r.spawn(ctx, TypeAggregate, []any{slog.String("query", query)}, func(ctx context.Context) error {
		_, err := r.pipeline.RunSearch(ctx, query)
		return err
	})
}

func (r *LocalRunner) EnqueueRefresh(ctx context.Context, entryID uint64, upstreamID string) error {
	attrs := []any{slog.Uint64("entryId", entryID), slog.String("upstreamId", upstreamID)}
	return r.spawn(ctx, TypeRefresh, attrs, func(ctx context.Context) error {
		return r.pipeline.RefreshEntry(ctx, entryID, upstreamID)
	})
}

func (r *LocalRunner) spawn(ctx context.Context, taskType string, attrs []any, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if !r.slots.TryAcquire(1) {
		r.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(taskType, "dropped").Inc()
		r.logger.Warn("job dropped, backlog full", append([]any{slog.String("type", taskType)}, attrs...)...)
		return ErrQueueFull
	}
	r.wg.Add(1)
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	metrics.JobsTotal.WithLabelValues(taskType, "enqueued").Inc()
	go func() {
		defer r.wg.Done()
		defer r.slots.Release(1)
		if err := r.sem.Acquire(detached, 1); err != nil {
			return
		}
		defer r.sem.Release(1)

		started := time.Now()
		err := fn(detached)
		logAttrs := append([]any{slog.String("type", taskType), slog.Duration("took", time.Since(started))}, attrs...)
		if err != nil {
			metrics.JobsTotal.WithLabelValues(taskType, "failed").Inc()
			r.logger.Warn("job failed", append(logAttrs, slog.String("error", err.Error()))...)
			return
		}
		metrics.JobsTotal.WithLabelValues(taskType, "done").Inc()
		r.logger.Debug("job done", logAttrs...)
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for in-flight ones until ctx ends.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
