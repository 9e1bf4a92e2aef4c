package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
)

type fakeBackend struct {
	mu          sync.Mutex
	items       []model.Notification
	listCalls   int
	markAll     int
	marked      []string
	listErr     error
	listStarted chan struct{}
	listGate    chan struct{}
}

func (f *fakeBackend) ListNotifications(_ context.Context, filter model.NotificationFilter) ([]model.Notification, error) {
	f.mu.Lock()
	f.listCalls++
	started, gate, listErr := f.listStarted, f.listGate, f.listErr
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if listErr != nil {
		return nil, listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Notification, 0, len(f.items))
	for _, n := range f.items {
		if filter.UnreadOnly && !n.Unread() {
			continue
		}
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		out = append(out, n)
	}
	return model.CloneNotifications(out), nil
}

func (f *fakeBackend) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	now := time.Now()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].ReadAt = &now
		}
	}
	return nil
}

func (f *fakeBackend) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAll++
	now := time.Now()
	for i := range f.items {
		if f.items[i].ReadAt == nil {
			f.items[i].ReadAt = &now
		}
	}
	return nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeBackend) add(n model.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
}

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func seeded() *fakeBackend {
	return &fakeBackend{items: []model.Notification{
		{ID: "n_1", UserID: "u_1", Type: "mention", CreatedAt: t0},
		{ID: "n_2", UserID: "u_1", Type: "assignment", CreatedAt: t0.Add(time.Minute)},
	}}
}

func newAggregator(t *testing.T, backend *fakeBackend) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(Options{Backend: backend, StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	t.Cleanup(agg.Close)
	return agg
}

func TestListFetchesOnceThenServesCache(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)

	items, err := agg.List(context.Background(), model.NotificationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "n_2" {
		t.Fatalf("expected newest first, got %+v", items)
	}
	if _, err := agg.List(context.Background(), model.NotificationFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if backend.calls() != 1 {
		t.Fatalf("fresh list must be served from cache, saw %d fetches", backend.calls())
	}
	if agg.UnreadCount() != 2 {
		t.Fatalf("expected 2 unread, got %d", agg.UnreadCount())
	}
}

func TestStreamEventsOnlyInvalidate(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)
	router := events.NewRouter(nil)
	agg.AttachRouter(router)

	if _, err := agg.List(context.Background(), model.NotificationFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	backend.add(model.Notification{ID: "n_3", UserID: "u_1", Type: "mention", CreatedAt: t0.Add(2 * time.Minute)})
	router.Dispatch(events.NotificationNew{ID: "n_3", Type: "mention"})

	if !agg.IsStale(model.NotificationFilter{}) {
		t.Fatalf("expected list to be stale after notification:new")
	}
	stale, err := agg.List(context.Background(), model.NotificationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale list must be served unchanged while revalidating, got %d", len(stale))
	}
	agg.background.Wait()
	fresh, err := agg.List(context.Background(), model.NotificationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fresh) != 3 || fresh[0].ID != "n_3" {
		t.Fatalf("expected revalidated list with n_3 first, got %+v", fresh)
	}
}

func TestWideTriggerSetInvalidates(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)
	router := events.NewRouter(nil)
	detach := agg.AttachRouter(router)

	triggers := []events.Event{
		events.CommentCreated{ProjectID: "prj_1", CommentID: "c_1"},
		events.TaskUpdated{ProjectID: "prj_1", TaskID: "t_1"},
		events.ItemUpdated{ProjectID: "prj_2", ItemID: "i_1"},
		events.BulkUpdated{ProjectID: "prj_1"},
	}
	for _, trigger := range triggers {
		if _, err := agg.Refresh(context.Background(), model.NotificationFilter{}); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		router.Dispatch(trigger)
		if !agg.IsStale(model.NotificationFilter{}) {
			t.Fatalf("%s should invalidate notification lists", trigger.Topic())
		}
	}

	detach()
	if _, err := agg.Refresh(context.Background(), model.NotificationFilter{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	router.Dispatch(events.NotificationNew{})
	if agg.IsStale(model.NotificationFilter{}) {
		t.Fatalf("detached aggregator must ignore events")
	}
}

func TestMarkAllReadInvalidatesWithoutLocalWrites(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)
	if _, err := agg.List(context.Background(), model.NotificationFilter{UnreadOnly: true}); err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := agg.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if agg.UnreadCount() != 2 {
		t.Fatalf("read state must not be synthesized locally, unread=%d", agg.UnreadCount())
	}
	if !agg.IsStale(model.NotificationFilter{UnreadOnly: true}) {
		t.Fatalf("expected invalidation after mark all read")
	}
	items, err := agg.Refresh(context.Background(), model.NotificationFilter{UnreadOnly: true})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(items) != 0 || agg.UnreadCount() != 0 {
		t.Fatalf("expected no unread after refetch, got %d", len(items))
	}
}

func TestMarkReadInvalidates(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)
	if _, err := agg.List(context.Background(), model.NotificationFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := agg.MarkRead(context.Background(), "n_1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(backend.marked) != 1 || backend.marked[0] != "n_1" {
		t.Fatalf("expected server mark for n_1, got %v", backend.marked)
	}
	if _, err := agg.Refresh(context.Background(), model.NotificationFilter{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if agg.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread after refetch, got %d", agg.UnreadCount())
	}
}

func TestInvalidationDuringFetchKeepsListStale(t *testing.T) {
	backend := seeded()
	backend.listStarted = make(chan struct{}, 1)
	backend.listGate = make(chan struct{})
	agg := newAggregator(t, backend)

	done := make(chan error, 1)
	go func() {
		_, err := agg.Refresh(context.Background(), model.NotificationFilter{})
		done <- err
	}()
	<-backend.listStarted
	agg.Invalidate("test")
	close(backend.listGate)
	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !agg.IsStale(model.NotificationFilter{}) {
		t.Fatalf("a list fetched before an invalidation must stay stale")
	}
}

func TestListErrorIsReturnedWhenNothingCached(t *testing.T) {
	backend := seeded()
	backend.listErr = errors.New("offline")
	agg := newAggregator(t, backend)
	if _, err := agg.List(context.Background(), model.NotificationFilter{}); err == nil {
		t.Fatalf("expected error with empty cache")
	}
	if len(agg.Snapshot()) != 0 {
		t.Fatalf("failed fetch must not create a cache entry")
	}
}

func TestSnapshotRestoreServesWarmAndStale(t *testing.T) {
	backend := seeded()
	agg := newAggregator(t, backend)
	if _, err := agg.List(context.Background(), model.NotificationFilter{Type: "mention"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	snapshot := agg.Snapshot()

	other := seeded()
	other.listErr = errors.New("offline")
	restored := newAggregator(t, other)
	restored.Restore(snapshot)
	items, err := restored.List(context.Background(), model.NotificationFilter{Type: "mention"})
	if err != nil {
		t.Fatalf("restored list should be served while offline: %v", err)
	}
	if len(items) != 1 || items[0].ID != "n_1" {
		t.Fatalf("unexpected restored items %+v", items)
	}
	if !restored.IsStale(model.NotificationFilter{Type: "mention"}) {
		t.Fatalf("restored lists must revalidate")
	}
}

func TestRunPollsKnownFilters(t *testing.T) {
	backend := seeded()
	agg, err := NewAggregator(Options{Backend: backend, PollInterval: 10 * time.Millisecond, PollJitter: 0.5})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := agg.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if backend.calls() < 2 {
		t.Fatalf("expected repeated polling, saw %d fetches", backend.calls())
	}
}

func TestJitteredInterval(t *testing.T) {
	if got := JitteredInterval(10*time.Second, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected 8s, got %s", got)
	}
	if got := JitteredInterval(10*time.Second, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected 12s, got %s", got)
	}
	if got := JitteredInterval(10*time.Second, 5, 0.5); got != 10*time.Second {
		t.Fatalf("expected clamped ratio to keep midpoint, got %s", got)
	}
}
