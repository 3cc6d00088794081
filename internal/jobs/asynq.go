package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hibiken/asynq"

	"animecatalog/internal/metrics"
)

const queueName = "catalog"

// AsynqRunner enqueues pipeline work on a Redis-backed asynq queue, to be
// executed by a worker built with NewAsynqServer.
type AsynqRunner struct {
	client *asynq.Client
	logger *slog.Logger
}

func NewAsynqRunner(redis asynq.RedisConnOpt, logger *slog.Logger) *AsynqRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqRunner{client: asynq.NewClient(redis), logger: logger}
}

func NewAggregateTask(query string) (*asynq.Task, error) {
	payload, err := sonic.Marshal(aggregatePayload{Query: query})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAggregate, payload, asynq.MaxRetry(1), asynq.Timeout(10*time.Minute)), nil
}

func NewRefreshTask(entryID uint64, upstreamID string) (*asynq.Task, error) {
	payload, err := sonic.Marshal(refreshPayload{EntryID: entryID, UpstreamID: upstreamID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRefresh, payload,
		asynq.MaxRetry(2),
		asynq.Timeout(2*time.Minute),
		asynq.Unique(10*time.Minute),
	), nil
}

func (r *AsynqRunner) EnqueueSearch(ctx context.Context, query string) error {
	task, err := NewAggregateTask(query)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, task)
}

func (r *AsynqRunner) EnqueueRefresh(ctx context.Context, entryID uint64, upstreamID string) error {
	task, err := NewRefreshTask(entryID, upstreamID)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, task)
}

func (r *AsynqRunner) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := r.client.EnqueueContext(ctx, task, asynq.Queue(queueName))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		metrics.JobsTotal.WithLabelValues(task.Type(), "duplicate").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	metrics.JobsTotal.WithLabelValues(task.Type(), "enqueued").Inc()
	r.logger.Debug("job enqueued", slog.String("type", task.Type()), slog.String("taskId", info.ID))
	return nil
}

func (r *AsynqRunner) Close() error {
	return r.client.Close()
}

// NewServeMux routes queued tasks to the pipeline.
func NewServeMux(pipeline Pipeline, logger *slog.Logger) *asynq.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAggregate, func(ctx context.Context, task *asynq.Task) error {
		var payload aggregatePayload
		if err := sonic.Unmarshal(task.Payload(), &payload); err != nil || payload.Query == "" {
			metrics.JobsTotal.WithLabelValues(TypeAggregate, "rejected").Inc()
			return fmt.Errorf("decode %s payload: %w", TypeAggregate, asynq.SkipRetry)
		}
		report, err := pipeline.RunSearch(ctx, payload.Query)
		if err != nil {
			metrics.JobsTotal.WithLabelValues(TypeAggregate, "failed").Inc()
			return err
		}
		metrics.JobsTotal.WithLabelValues(TypeAggregate, "done").Inc()
		logger.Info("aggregate task done",
			slog.String("query", payload.Query),
			slog.Int("added", report.Added),
			slog.Int("skipped", report.Skipped),
		)
		return nil
	})
	mux.HandleFunc(TypeRefresh, func(ctx context.Context, task *asynq.Task) error {
		var payload refreshPayload
		if err := sonic.Unmarshal(task.Payload(), &payload); err != nil || payload.EntryID == 0 {
			metrics.JobsTotal.WithLabelValues(TypeRefresh, "rejected").Inc()
			return fmt.Errorf("decode %s payload: %w", TypeRefresh, asynq.SkipRetry)
		}
		if err := pipeline.RefreshEntry(ctx, payload.EntryID, payload.UpstreamID); err != nil {
			metrics.JobsTotal.WithLabelValues(TypeRefresh, "failed").Inc()
			return err
		}
		metrics.JobsTotal.WithLabelValues(TypeRefresh, "done").Inc()
		return nil
	})
	return mux
}

func NewAsynqServer(redis asynq.RedisConnOpt, concurrency int, logger *slog.Logger) *asynq.Server {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		Logger:      asynqLogger{logger: logger.With(slog.String("component", "asynq"))},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", slog.String("type", task.Type()), slog.String("error", err.Error()))
		}),
	})
}

type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
