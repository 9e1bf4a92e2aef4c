package mutation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/conflict"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/restapi"
)

var (
	ErrUnknownRecord = errors.New("record not in cache")
	ErrBulkInFlight  = errors.New("bulk update already in flight for project")
	ErrClosed        = errors.New("mutation engine closed")
)

type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultConflict
	ResultValidationFailed
	ResultUnauthorized
	ResultTransient
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultConflict:
		return "conflict"
	case ResultValidationFailed:
		return "validation_failed"
	case ResultUnauthorized:
		return "unauthorized"
	case ResultTransient:
		return "transient"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is delivered exactly once per mutation. Record holds the authoritative
// server copy on success and the rolled back cache value on failure.
type Result struct {
	Kind     ResultKind
	TargetID string
	Record   model.Record
	Order    []string
	Err      error
}

func (r Result) OK() bool {
	return r.Kind == ResultOK
}

type Backend interface {
	PatchRecord(ctx context.Context, ref model.RecordRef, baseVersion time.Time, changes map[string]any) (model.Record, error)
	Reorder(ctx context.Context, projectID string, order []string) ([]string, error)
	ListItems(ctx context.Context, projectID string) (model.ItemPage, error)
}

type ConflictReporter interface {
	Report(targetID string, err error) conflict.Class
	Clear(targetID string)
}

// Pending is one optimistic edit waiting on, or being sent to, the server.
// Snapshot is the visible record at the moment the edit was applied.
// BaseVersion only advances when an earlier edit from this engine is
// confirmed; remote updates never move it.
type Pending struct {
	ID          uint64
	TargetID    string
	Changes     map[string]any
	BaseVersion time.Time
	Snapshot    model.Record

	ctx    context.Context
	result chan Result
}

type Change struct {
	ProjectID string
	// TargetID is empty when only the project's ordering changed.
	TargetID string
}

type Options struct {
	Backend        Backend
	Conflicts      ConflictReporter
	Derive         Deriver
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type Engine struct {
	backend   Backend
	conflicts ConflictReporter
	derive    Deriver
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	base      map[string]model.Record
	queues    map[string][]*Pending
	draining  map[string]bool
	orders    map[string][]string
	bulk      map[string]bool
	nextID    uint64
	nextObs   uint64
	observers map[uint64]func(Change)
	closed    bool
	wg        sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("mutation engine requires a backend")
	}
	if opts.Derive == nil {
		opts.Derive = DefaultDeriver
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		backend:   opts.Backend,
		conflicts: opts.Conflicts,
		derive:    opts.Derive,
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger,
		base:      map[string]model.Record{},
		queues:    map[string][]*Pending{},
		draining:  map[string]bool{},
		orders:    map[string][]string{},
		bulk:      map[string]bool{},
		observers: map[uint64]func(Change){},
	}, nil
}

// Mutate applies changes to the cached record immediately and sends them to the
// server in the background. Edits to the same record are sent one at a time in
// call order; each carries the version of the last confirmed state.
func (e *Engine) Mutate(ctx context.Context, targetID string, changes map[string]any) <-chan Result {
	out := make(chan Result, 1)
	targetID = strings.TrimSpace(targetID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		out <- Result{Kind: ResultFailed, TargetID: targetID, Err: ErrClosed}
		close(out)
		return out
	}
	base, ok := e.base[targetID]
	if !ok {
		e.mu.Unlock()
		out <- Result{Kind: ResultFailed, TargetID: targetID, Err: fmt.Errorf("%w: %s", ErrUnknownRecord, targetID)}
		close(out)
		return out
	}
	baseVersion := base.UpdatedAt
	if queue := e.queues[targetID]; len(queue) > 0 {
		baseVersion = queue[len(queue)-1].BaseVersion
	}
	e.nextID++
	pending := &Pending{
		ID:          e.nextID,
		TargetID:    targetID,
		Changes:     model.CloneFields(changes),
		BaseVersion: baseVersion,
		Snapshot:    e.viewLocked(targetID),
		ctx:         ctx,
		result:      out,
	}
	e.queues[targetID] = append(e.queues[targetID], pending)
	startWorker := !e.draining[targetID]
	if startWorker {
		e.draining[targetID] = true
		e.wg.Add(1)
	}
	projectID := base.ProjectID
	e.mu.Unlock()

	if startWorker {
		go e.drain(targetID)
	}
	e.notify(Change{ProjectID: projectID, TargetID: targetID})
	return out
}

func (e *Engine) drain(targetID string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		queue := e.queues[targetID]
		if len(queue) == 0 {
			delete(e.queues, targetID)
			delete(e.draining, targetID)
			e.mu.Unlock()
			return
		}
		head := queue[0]
		base := e.base[targetID]
		e.mu.Unlock()

		e.send(head, base.Ref())
	}
}

func (e *Engine) send(p *Pending, ref model.RecordRef) {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	record, err := e.backend.PatchRecord(reqCtx, ref, p.BaseVersion, p.Changes)
	cancel()

	e.mu.Lock()
	queue := e.queues[p.TargetID]
	if len(queue) > 0 && queue[0] == p {
		e.queues[p.TargetID] = queue[1:]
	}
	var result Result
	if err == nil {
		record = e.adoptLocked(record, ref)
		e.base[p.TargetID] = record
		for _, next := range e.queues[p.TargetID] {
			next.BaseVersion = record.UpdatedAt
		}
		result = Result{Kind: ResultOK, TargetID: p.TargetID, Record: record.Clone()}
	} else {
		result = Result{TargetID: p.TargetID, Record: e.viewLocked(p.TargetID), Err: err}
	}
	e.mu.Unlock()

	if err == nil {
		if e.conflicts != nil {
			e.conflicts.Clear(p.TargetID)
		}
		e.logger.Debug("mutation confirmed", zap.String("target_id", p.TargetID), zap.Uint64("pending_id", p.ID))
	} else {
		var class conflict.Class
		if e.conflicts != nil {
			class = e.conflicts.Report(p.TargetID, err)
		} else {
			class = conflict.Classify(err)
		}
		result.Kind = resultKind(class, err)
		e.logger.Info("mutation rolled back",
			zap.String("target_id", p.TargetID),
			zap.Stringer("result", result.Kind),
			zap.Error(err))
	}
	e.notify(Change{ProjectID: ref.ProjectID, TargetID: p.TargetID})
	p.result <- result
	close(p.result)
}

func resultKind(class conflict.Class, err error) ResultKind {
	switch class {
	case conflict.ClassConflict:
		return ResultConflict
	case conflict.ClassTransient:
		return ResultTransient
	}
	var httpErr *restapi.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ResultUnauthorized
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return ResultValidationFailed
		}
	}
	return ResultFailed
}

// Reorder optimistically replaces a project's item ordering. A failure restores
// the previous ordering and refetches the whole project.
func (e *Engine) Reorder(ctx context.Context, projectID string, order []string) <-chan Result {
	out := make(chan Result, 1)
	projectID = strings.TrimSpace(projectID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		out <- Result{Kind: ResultFailed, TargetID: projectID, Err: ErrClosed}
		close(out)
		return out
	}
	if e.bulk[projectID] {
		e.mu.Unlock()
		out <- Result{Kind: ResultFailed, TargetID: projectID, Err: fmt.Errorf("%w: %s", ErrBulkInFlight, projectID)}
		close(out)
		return out
	}
	snapshot := append([]string(nil), e.orders[projectID]...)
	e.orders[projectID] = append([]string(nil), order...)
	e.bulk[projectID] = true
	e.wg.Add(1)
	e.mu.Unlock()
	e.notify(Change{ProjectID: projectID})

	go func() {
		defer e.wg.Done()
		if ctx == nil {
			ctx = context.Background()
		}
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		confirmed, err := e.backend.Reorder(reqCtx, projectID, order)
		cancel()

		e.mu.Lock()
		delete(e.bulk, projectID)
		if err == nil {
			if len(confirmed) == 0 {
				confirmed = order
			}
			e.orders[projectID] = append([]string(nil), confirmed...)
		} else {
			e.orders[projectID] = snapshot
		}
		current := append([]string(nil), e.orders[projectID]...)
		e.mu.Unlock()
		e.notify(Change{ProjectID: projectID})

		if err == nil {
			out <- Result{Kind: ResultOK, TargetID: projectID, Order: current}
			close(out)
			return
		}
		e.logger.Warn("bulk reorder rolled back, refetching project", zap.String("project_id", projectID), zap.Error(err))
		refreshCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if refreshErr := e.Refresh(refreshCtx, projectID); refreshErr != nil {
			e.logger.Warn("refetch after failed reorder", zap.String("project_id", projectID), zap.Error(refreshErr))
		}
		cancel()
		e.mu.Lock()
		current = append([]string(nil), e.orders[projectID]...)
		e.mu.Unlock()
		out <- Result{Kind: resultKind(conflict.Classify(err), err), TargetID: projectID, Order: current, Err: err}
		close(out)
	}()
	return out
}

// ApplyRemote merges a full record pushed by another session. Pending local
// edits are layered on top of the new base.
func (e *Engine) ApplyRemote(record model.Record) {
	if strings.TrimSpace(record.ID) == "" {
		return
	}
	e.mu.Lock()
	existing := e.base[record.ID]
	record = identify(record, existing.Ref())
	e.derive(record.Kind, record.Fields)
	e.base[record.ID] = record
	e.mu.Unlock()
	e.notify(Change{ProjectID: record.ProjectID, TargetID: record.ID})
}

// ApplyRemotePatch merges a partial update from the stream into a cached record.
// It reports false when the record is not cached.
func (e *Engine) ApplyRemotePatch(projectID string, kind model.RecordKind, targetID string, updates map[string]any) bool {
	e.mu.Lock()
	record, ok := e.base[targetID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	record = record.Clone()
	if record.ProjectID == "" {
		record.ProjectID = projectID
	}
	if record.Kind == "" {
		record.Kind = kind
	}
	for key, value := range updates {
		switch key {
		case "id":
		case "updated_at":
			if raw, ok := value.(string); ok {
				if ts, err := restapi.ParseVersion(raw); err == nil {
					record.UpdatedAt = ts
				}
			}
		default:
			record.Fields[key] = model.CloneValue(value)
		}
	}
	e.derive(record.Kind, record.Fields)
	e.base[targetID] = record
	e.mu.Unlock()
	e.notify(Change{ProjectID: record.ProjectID, TargetID: targetID})
	return true
}

func (e *Engine) Refresh(ctx context.Context, projectID string) error {
	page, err := e.backend.ListItems(ctx, projectID)
	if err != nil {
		return err
	}
	e.Load(projectID, page)
	return nil
}

// Load replaces the cached items and ordering of a project with a server listing.
// Items that disappeared from the listing are dropped unless an edit is pending.
func (e *Engine) Load(projectID string, page model.ItemPage) {
	e.mu.Lock()
	e.replaceLocked(projectID, model.KindItem, page.Items)
	if !e.bulk[projectID] {
		order := append([]string(nil), page.Order...)
		if len(order) == 0 {
			for _, item := range page.Items {
				order = append(order, item.ID)
			}
		}
		e.orders[projectID] = order
	}
	e.mu.Unlock()
	e.notify(Change{ProjectID: projectID})
}

// LoadTasks replaces the cached tasks of a project with a server listing, with
// the same pruning rule as Load.
func (e *Engine) LoadTasks(projectID string, tasks []model.Record) {
	e.mu.Lock()
	e.replaceLocked(projectID, model.KindTask, tasks)
	e.mu.Unlock()
	e.notify(Change{ProjectID: projectID})
}

func (e *Engine) replaceLocked(projectID string, kind model.RecordKind, records []model.Record) {
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			continue
		}
		if record.ProjectID == "" {
			record.ProjectID = projectID
		}
		if record.Kind == "" {
			record.Kind = kind
		}
		record = e.adoptLocked(record, record.Ref())
		e.base[record.ID] = record
		seen[record.ID] = true
	}
	for id, record := range e.base {
		if record.ProjectID == projectID && record.Kind == kind && !seen[id] && len(e.queues[id]) == 0 {
			delete(e.base, id)
		}
	}
}

// Put seeds records, for example tasks loaded from another listing.
func (e *Engine) Put(records ...model.Record) {
	changes := make([]Change, 0, len(records))
	e.mu.Lock()
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			continue
		}
		record = e.adoptLocked(record, record.Ref())
		e.base[record.ID] = record
		changes = append(changes, Change{ProjectID: record.ProjectID, TargetID: record.ID})
	}
	e.mu.Unlock()
	for _, change := range changes {
		e.notify(change)
	}
}

func (e *Engine) Get(targetID string) (model.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.base[targetID]; !ok {
		return model.Record{}, false
	}
	return e.viewLocked(targetID), true
}

// List returns the visible records of a project and kind. Items follow the
// project ordering; anything not in the ordering comes last, sorted by id.
func (e *Engine) List(projectID string, kind model.RecordKind) []model.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	position := map[string]int{}
	for i, id := range e.orders[projectID] {
		position[id] = i
	}
	out := make([]model.Record, 0)
	for id, record := range e.base {
		if record.ProjectID == projectID && record.Kind == kind {
			out = append(out, e.viewLocked(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, iok := position[out[i].ID]
		pj, jok := position[out[j].ID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out
}

func (e *Engine) Order(projectID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.orders[projectID]...)
}

func (e *Engine) PendingCount(targetID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[targetID])
}

// State is the authoritative part of the cache; optimistic edits are never saved.
type State struct {
	Records []model.Record      `json:"records"`
	Orders  map[string][]string `json:"orders"`
}

func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := State{
		Records: make([]model.Record, 0, len(e.base)),
		Orders:  make(map[string][]string, len(e.orders)),
	}
	for _, record := range e.base {
		state.Records = append(state.Records, record.Clone())
	}
	sort.Slice(state.Records, func(i, j int) bool { return state.Records[i].ID < state.Records[j].ID })
	for projectID, order := range e.orders {
		state.Orders[projectID] = append([]string(nil), order...)
	}
	return state
}

// Restore loads a saved state without touching records that have edits pending.
func (e *Engine) Restore(state State) {
	e.mu.Lock()
	for _, record := range state.Records {
		if record.ID == "" || len(e.queues[record.ID]) > 0 {
			continue
		}
		e.base[record.ID] = e.adoptLocked(record, record.Ref())
	}
	for projectID, order := range state.Orders {
		if !e.bulk[projectID] {
			e.orders[projectID] = append([]string(nil), order...)
		}
	}
	e.mu.Unlock()
	e.notify(Change{})
}

func (e *Engine) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Wait blocks until every in-flight mutation has settled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) viewLocked(targetID string) model.Record {
	view := e.base[targetID].Clone()
	queue := e.queues[targetID]
	if len(queue) == 0 {
		return view
	}
	for _, p := range queue {
		for key, value := range model.CloneFields(p.Changes) {
			view.Fields[key] = value
		}
	}
	e.derive(view.Kind, view.Fields)
	return view
}

// adoptLocked takes a server copy as the new base. Derived fields the server
// sent are kept as is; the deriver only fills the ones it left out.
func (e *Engine) adoptLocked(record model.Record, fallback model.RecordRef) model.Record {
	record = identify(record, fallback)
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	derived := model.CloneFields(record.Fields)
	e.derive(record.Kind, derived)
	for key, value := range derived {
		if _, ok := record.Fields[key]; !ok {
			record.Fields[key] = value
		}
	}
	return record
}

func identify(record model.Record, fallback model.RecordRef) model.Record {
	record = record.Clone()
	if record.ID == "" {
		record.ID = fallback.ID
	}
	if record.ProjectID == "" {
		record.ProjectID = fallback.ProjectID
	}
	if record.Kind == "" {
		record.Kind = fallback.Kind
	}
	if record.Kind == "" {
		record.Kind = model.KindItem
	}
	return record
}

func (e *Engine) notify(change Change) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, e.observers[id])
	}
	e.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}
