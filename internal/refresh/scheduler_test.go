package refresh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"animecatalog/internal/catalog"
	"animecatalog/internal/domain"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) EnqueueRefresh(_ context.Context, entryID uint64, upstreamID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, upstreamID)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newStoreWithEntry(t *testing.T, withLink bool) (*catalog.Store, uint64) {
	t.Helper()
	store, err := catalog.Open(catalog.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	entry, _, err := store.CreateEntry(ctx, domain.MetadataRecord{
		Title:         "Клинок, рассекающий демонов",
		TitleOriginal: "Kimetsu no Yaiba",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if withLink {
		if _, err := store.AttachLink(ctx, entry.ID, "38000", domain.PlayerRef{EmbedURL: "//kodik.info/serial/7/x/720p"}); err != nil {
			t.Fatalf("AttachLink: %v", err)
		}
	}
	return store, entry.ID
}

func requestCount(t *testing.T, store *catalog.Store, id uint64) int {
	t.Helper()
	detail, err := store.GetEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	return detail.RequestCount
}

func TestTouchSchedulesExactlyOnceAtThreshold(t *testing.T) {
	store, id := newStoreWithEntry(t, true)
	dispatcher := &recordingDispatcher{}
	scheduler := NewScheduler(store, dispatcher)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		decision, err := scheduler.Touch(ctx, id)
		if err != nil || decision != DecisionCounted {
			t.Fatalf("read %d: decision=%s err=%v", i+1, decision, err)
		}
	}
	if got := requestCount(t, store, id); got != 4 {
		t.Fatalf("expected request_count 4, got %d", got)
	}

	decision, err := scheduler.Touch(ctx, id)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if decision != DecisionScheduled {
		t.Fatalf("expected scheduled, got %s", decision)
	}
	if got := requestCount(t, store, id); got != 0 {
		t.Fatalf("expected request_count reset to 0, got %d", got)
	}
	if dispatcher.count() != 1 || dispatcher.calls[0] != "38000" {
		t.Fatalf("expected one refresh for 38000, got %v", dispatcher.calls)
	}
}

func TestTouchWithoutUpstreamIDStillResets(t *testing.T) {
	store, id := newStoreWithEntry(t, false)
	dispatcher := &recordingDispatcher{}
	scheduler := NewScheduler(store, dispatcher, WithThreshold(2))
	ctx := context.Background()

	if _, err := scheduler.Touch(ctx, id); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	decision, err := scheduler.Touch(ctx, id)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if decision != DecisionNoUpstream {
		t.Fatalf("expected no_upstream_id, got %s", decision)
	}
	if dispatcher.count() != 0 {
		t.Fatalf("nothing must be dispatched without an upstream id")
	}
	if got := requestCount(t, store, id); got != 0 {
		t.Fatalf("counter must reset even when skipped, got %d", got)
	}
}

func TestTouchDispatchFailureDoesNotRearm(t *testing.T) {
	store, id := newStoreWithEntry(t, true)
	dispatcher := &recordingDispatcher{err: errors.New("queue down")}
	scheduler := NewScheduler(store, dispatcher, WithThreshold(1))
	ctx := context.Background()

	if _, err := scheduler.Touch(ctx, id); err == nil {
		t.Fatalf("expected dispatch error")
	}
	if got := requestCount(t, store, id); got != 0 {
		t.Fatalf("counter must stay reset after a failed dispatch, got %d", got)
	}
}

func TestTouchConcurrentReadsDispatchOnce(t *testing.T) {
	store, id := newStoreWithEntry(t, true)
	dispatcher := &recordingDispatcher{}
	scheduler := NewScheduler(store, dispatcher)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := scheduler.Touch(ctx, id); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := scheduler.Touch(ctx, id); err != nil {
				t.Errorf("Touch: %v", err)
			}
		}()
	}
	wg.Wait()

	if dispatcher.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", dispatcher.count())
	}
}

func TestTouchMissingEntry(t *testing.T) {
	store, _ := newStoreWithEntry(t, false)
	scheduler := NewScheduler(store, &recordingDispatcher{})
	if _, err := scheduler.Touch(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
