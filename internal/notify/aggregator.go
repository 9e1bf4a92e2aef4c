package notify

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
)

// InvalidationTopics lists every stream topic that marks cached notification
// lists stale. Several of them do not create notifications directly; a
// narrower set would risk missing server-side fan-out.
var InvalidationTopics = []events.Topic{
	events.TopicNotificationNew,
	events.TopicCommentCreated,
	events.TopicTaskUpdated,
	events.TopicItemUpdated,
	events.TopicBulkUpdated,
}

type Backend interface {
	ListNotifications(ctx context.Context, filter model.NotificationFilter) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

type Options struct {
	Backend      Backend
	StaleAfter   time.Duration
	PollInterval time.Duration
	PollJitter   float64
	Now          func() time.Time
	Random       func() float64
	Logger       *zap.Logger
}

type entry struct {
	filter     model.NotificationFilter
	items      []model.Notification
	fetchedAt  time.Time
	stale      bool
	refreshing bool
}

// Aggregator serves notification lists stale-while-revalidate. The stream only
// invalidates; notifications are never merged into a list locally.
type Aggregator struct {
	backend      Backend
	staleAfter   time.Duration
	pollInterval time.Duration
	pollJitter   float64
	now          func() time.Time
	random       func() float64
	logger       *zap.Logger

	mu          sync.Mutex
	entries     map[string]*entry
	generation  uint64
	nextObs     uint64
	observers   map[uint64]func()
	background  sync.WaitGroup
	inflight    map[string]*fetchCall
	unsubscribe []func()
}

type fetchCall struct {
	done  chan struct{}
	items []model.Notification
	err   error
}

func NewAggregator(opts Options) (*Aggregator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("notification aggregator requires a backend")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Random == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		opts.Random = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		backend:      opts.Backend,
		staleAfter:   opts.StaleAfter,
		pollInterval: opts.PollInterval,
		pollJitter:   ClampJitterRatio(opts.PollJitter),
		now:          opts.Now,
		random:       opts.Random,
		logger:       opts.Logger,
		entries:      map[string]*entry{},
		observers:    map[uint64]func(){},
		inflight:     map[string]*fetchCall{},
	}, nil
}

// List returns the cached list for filter. A missing list is fetched before
// returning; a stale one is returned as is while a refetch runs in the background.
func (a *Aggregator) List(ctx context.Context, filter model.NotificationFilter) ([]model.Notification, error) {
	key := filter.Key()
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		a.mu.Unlock()
		return a.Refresh(ctx, filter)
	}
	items := model.CloneNotifications(e.items)
	stale := e.stale || a.now().Sub(e.fetchedAt) >= a.staleAfter
	revalidate := stale && !e.refreshing
	if revalidate {
		e.refreshing = true
		a.background.Add(1)
	}
	a.mu.Unlock()

	if revalidate {
		go func() {
			defer a.background.Done()
			refreshCtx, cancel := context.WithTimeout(context.Background(), a.staleAfter)
			defer cancel()
			if _, err := a.Refresh(refreshCtx, filter); err != nil {
				a.logger.Warn("notification revalidation failed", zap.String("filter", key), zap.Error(err))
			}
		}()
	}
	return items, nil
}

// Refresh fetches filter from the server now and replaces the cached list.
// Concurrent refreshes of the same filter share one request.
func (a *Aggregator) Refresh(ctx context.Context, filter model.NotificationFilter) ([]model.Notification, error) {
	key := filter.Key()
	a.mu.Lock()
	if call, ok := a.inflight[key]; ok {
		a.mu.Unlock()
		select {
		case <-call.done:
			return model.CloneNotifications(call.items), call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	a.inflight[key] = call
	generation := a.generation
	a.mu.Unlock()

	items, err := a.backend.ListNotifications(ctx, filter)
	if err == nil {
		items = model.CloneNotifications(items)
		model.SortNotifications(items)
	}

	a.mu.Lock()
	delete(a.inflight, key)
	e, ok := a.entries[key]
	if ok {
		e.refreshing = false
	}
	if err == nil {
		if !ok {
			e = &entry{filter: filter}
			a.entries[key] = e
		}
		e.items = items
		e.fetchedAt = a.now()
		// An invalidation that raced this request leaves the list stale.
		e.stale = generation != a.generation
	}
	a.mu.Unlock()

	call.items, call.err = items, err
	close(call.done)
	if err != nil {
		return nil, err
	}
	a.notify()
	return model.CloneNotifications(items), nil
}

func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	if err := a.backend.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	a.Invalidate("mark_read")
	return nil
}

// MarkAllRead asks the server to mark everything read and invalidates. Read
// state is never synthesized locally.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	if err := a.backend.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	a.Invalidate("mark_all_read")
	return nil
}

// UnreadCount counts unread notifications across every cached list.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[string]bool{}
	count := 0
	for _, e := range a.entries {
		for _, n := range e.items {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			if n.Unread() {
				count++
			}
		}
	}
	return count
}

func (a *Aggregator) Invalidate(reason string) {
	a.mu.Lock()
	a.generation++
	for _, e := range a.entries {
		e.stale = true
	}
	a.mu.Unlock()
	a.logger.Debug("notification lists invalidated", zap.String("reason", reason))
	a.notify()
}

func (a *Aggregator) IsStale(filter model.NotificationFilter) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[filter.Key()]
	if !ok {
		return true
	}
	return e.stale || a.now().Sub(e.fetchedAt) >= a.staleAfter
}

// AttachRouter invalidates on every topic in InvalidationTopics, across all rooms.
func (a *Aggregator) AttachRouter(router *events.Router) func() {
	unsubs := make([]func(), 0, len(InvalidationTopics))
	for _, topic := range InvalidationTopics {
		topic := topic
		unsubs = append(unsubs, router.Subscribe(topic, "", func(events.Event) {
			a.Invalidate(string(topic))
		}))
	}
	a.mu.Lock()
	a.unsubscribe = append(a.unsubscribe, unsubs...)
	a.mu.Unlock()
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

// Run refreshes every known list on a jittered interval until ctx ends. It keeps
// lists fresh while the stream is down.
func (a *Aggregator) Run(ctx context.Context) error {
	timer := time.NewTimer(JitteredInterval(a.pollInterval, a.pollJitter, a.random()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			a.RefreshAll(ctx)
			timer.Reset(JitteredInterval(a.pollInterval, a.pollJitter, a.random()))
		}
	}
}

func (a *Aggregator) RefreshAll(ctx context.Context) {
	a.mu.Lock()
	filters := make([]model.NotificationFilter, 0, len(a.entries))
	for _, e := range a.entries {
		filters = append(filters, e.filter)
	}
	a.mu.Unlock()
	if len(filters) == 0 {
		filters = append(filters, model.NotificationFilter{})
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i].Key() < filters[j].Key() })
	for _, filter := range filters {
		if _, err := a.Refresh(ctx, filter); err != nil {
			a.logger.Warn("notification poll failed", zap.String("filter", filter.Key()), zap.Error(err))
		}
	}
}

func (a *Aggregator) OnChange(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	a.mu.Lock()
	a.nextObs++
	id := a.nextObs
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

type CachedList struct {
	Filter    model.NotificationFilter `json:"filter"`
	Items     []model.Notification     `json:"items"`
	FetchedAt time.Time                `json:"fetched_at"`
}

// Snapshot returns every cached list for persistence.
func (a *Aggregator) Snapshot() []CachedList {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CachedList, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, CachedList{Filter: e.filter, Items: model.CloneNotifications(e.items), FetchedAt: e.fetchedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filter.Key() < out[j].Filter.Key() })
	return out
}

// Restore seeds lists from a snapshot. Restored lists are served immediately and
// revalidated on first use.
func (a *Aggregator) Restore(lists []CachedList) {
	a.mu.Lock()
	for _, list := range lists {
		key := list.Filter.Key()
		if _, ok := a.entries[key]; ok {
			continue
		}
		items := model.CloneNotifications(list.Items)
		model.SortNotifications(items)
		a.entries[key] = &entry{filter: list.Filter, items: items, fetchedAt: list.FetchedAt, stale: true}
	}
	a.mu.Unlock()
	a.notify()
}

// Close detaches from the router and waits for background revalidations.
func (a *Aggregator) Close() {
	a.mu.Lock()
	unsubs := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	a.background.Wait()
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, a.observers[id])
	}
	a.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
