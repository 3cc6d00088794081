package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"animecatalog/internal/reconcile"
)

type fakePipeline struct {
	mu        sync.Mutex
	queries   []string
	refreshes []uint64
	ctxErrs   []error
	release   chan struct{}
	running   atomic.Int32
	peak      atomic.Int32
	err       error
}

func (p *fakePipeline) enter() func() {
	n := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { p.running.Add(-1) }
}

func (p *fakePipeline) RunSearch(ctx context.Context, query string) (reconcile.Report, error) {
	defer p.enter()()
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	p.queries = append(p.queries, query)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()
	return reconcile.Report{Added: 1}, p.err
}

func (p *fakePipeline) RefreshEntry(ctx context.Context, entryID uint64, upstreamID string) error {
	defer p.enter()()
	p.mu.Lock()
	p.refreshes = append(p.refreshes, entryID)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()
	return p.err
}

func TestLocalRunnerIsDetachedFromCaller(t *testing.T) {
	pipeline := &fakePipeline{}
	runner := NewLocalRunner(pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	if err := runner.EnqueueSearch(ctx, "naruto"); err != nil {
		t.Fatalf("EnqueueSearch: %v", err)
	}
	if err := runner.EnqueueRefresh(ctx, 7, "20"); err != nil {
		t.Fatalf("EnqueueRefresh: %v", err)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(pipeline.queries) != 1 || len(pipeline.refreshes) != 1 {
		t.Fatalf("jobs did not run: %v %v", pipeline.queries, pipeline.refreshes)
	}
	for _, err := range pipeline.ctxErrs {
		if err != nil {
			t.Fatalf("job context must not inherit caller cancellation: %v", err)
		}
	}
}

func TestLocalRunnerBoundsConcurrency(t *testing.T) {
	pipeline := &fakePipeline{release: make(chan struct{})}
	runner := NewLocalRunner(pipeline, WithConcurrency(2))

	for i := 0; i < 6; i++ {
		if err := runner.EnqueueSearch(context.Background(), "q"); err != nil {
			t.Fatalf("EnqueueSearch: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(pipeline.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(pipeline.queries) != 6 {
		t.Fatalf("expected 6 runs, got %d", len(pipeline.queries))
	}
	if peak := pipeline.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", peak)
	}
}

func TestLocalRunnerDropsBeyondBacklog(t *testing.T) {
	pipeline := &fakePipeline{release: make(chan struct{})}
	runner := NewLocalRunner(pipeline, WithConcurrency(1), WithBacklog(1))

	for i := 0; i < 2; i++ {
		if err := runner.EnqueueSearch(context.Background(), "q"); err != nil {
			t.Fatalf("EnqueueSearch %d: %v", i, err)
		}
	}
	if err := runner.EnqueueRefresh(context.Background(), 1, "20"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(pipeline.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(time.Second)
	for {
		err := runner.EnqueueRefresh(context.Background(), 1, "20")
		if err == nil {
			break
		}
		if !errors.Is(err, ErrQueueFull) || time.Now().After(deadline) {
			t.Fatalf("slot was not released: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(pipeline.queries) != 2 || len(pipeline.refreshes) != 1 {
		t.Fatalf("unexpected runs: %v %v", pipeline.queries, pipeline.refreshes)
	}
}

func TestLocalRunnerRejectsAfterShutdown(t *testing.T) {
	runner := NewLocalRunner(&fakePipeline{})
	if err := runner.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := runner.EnqueueSearch(context.Background(), "q"); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("expected ErrRunnerClosed, got %v", err)
	}
}

func TestLocalRunnerShutdownHonoursDeadline(t *testing.T) {
	pipeline := &fakePipeline{release: make(chan struct{})}
	defer close(pipeline.release)
	runner := NewLocalRunner(pipeline)
	if err := runner.EnqueueSearch(context.Background(), "slow"); err != nil {
		t.Fatalf("EnqueueSearch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := runner.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestServeMuxDispatchesTasks(t *testing.T) {
	pipeline := &fakePipeline{}
	mux := NewServeMux(pipeline, nil)

	aggregate, err := NewAggregateTask("one piece")
	if err != nil {
		t.Fatalf("NewAggregateTask: %v", err)
	}
	if err := mux.ProcessTask(context.Background(), aggregate); err != nil {
		t.Fatalf("aggregate task: %v", err)
	}
	refresh, err := NewRefreshTask(42, "21")
	if err != nil {
		t.Fatalf("NewRefreshTask: %v", err)
	}
	if err := mux.ProcessTask(context.Background(), refresh); err != nil {
		t.Fatalf("refresh task: %v", err)
	}
	if len(pipeline.queries) != 1 || pipeline.queries[0] != "one piece" {
		t.Fatalf("unexpected queries: %v", pipeline.queries)
	}
	if len(pipeline.refreshes) != 1 || pipeline.refreshes[0] != 42 {
		t.Fatalf("unexpected refreshes: %v", pipeline.refreshes)
	}
}

func TestServeMuxSkipsRetryOnBadPayload(t *testing.T) {
	mux := NewServeMux(&fakePipeline{}, nil)
	for _, task := range []*asynq.Task{
		asynq.NewTask(TypeAggregate, []byte(`{"query":""}`)),
		asynq.NewTask(TypeRefresh, []byte(`not json`)),
	} {
		if err := mux.ProcessTask(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("%s: expected SkipRetry, got %v", task.Type(), err)
		}
	}
}

func TestServeMuxPropagatesPipelineErrors(t *testing.T) {
	pipeline := &fakePipeline{err: errors.New("store down")}
	mux := NewServeMux(pipeline, nil)
	task, _ := NewRefreshTask(1, "5")
	if err := mux.ProcessTask(context.Background(), task); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("pipeline errors must be retryable, got %v", err)
	}
}
