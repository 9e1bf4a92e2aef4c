package conflict

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/restapi"
)

type Class int

const (
	ClassNone Class = iota
	ClassConflict
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts a failed write into conflict (stale precondition), transient
// (network or server hiccup, safe to retry later) or fatal (do not retry).
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, restapi.ErrConflict) {
		return ClassConflict
	}
	var httpErr *restapi.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusConflict, httpErr.StatusCode == http.StatusPreconditionFailed:
			return ClassConflict
		case httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransient
	}
	return ClassFatal
}

type Marker struct {
	TargetID   string
	DetectedAt time.Time
}

type Options struct {
	Window time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// Detector keeps advisory conflict markers. A marker never blocks edits; it only
// tells the UI to offer a refresh, and it disappears after Window on its own.
type Detector struct {
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	markers   map[string]*markerEntry
	seq       uint64
	observers map[uint64]func(targetID string, conflicting bool)
	nextObs   uint64
	closed    bool
}

type markerEntry struct {
	marker Marker
	seq    uint64
	timer  *time.Timer
}

func NewDetector(opts Options) *Detector {
	if opts.Window <= 0 {
		opts.Window = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Detector{
		window:    opts.Window,
		now:       opts.Now,
		logger:    opts.Logger,
		markers:   map[string]*markerEntry{},
		observers: map[uint64]func(string, bool){},
	}
}

func (d *Detector) Window() time.Duration {
	return d.window
}

// Report classifies err and marks targetID when it is a conflict.
func (d *Detector) Report(targetID string, err error) Class {
	class := Classify(err)
	if class == ClassConflict {
		d.Mark(targetID)
	}
	if class != ClassNone {
		d.logger.Debug("mutation failure classified",
			zap.String("target_id", targetID),
			zap.Stringer("class", class),
			zap.Error(err))
	}
	return class
}

func (d *Detector) Mark(targetID string) {
	if targetID == "" {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	seq := d.seq
	if existing, ok := d.markers[targetID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	entry := &markerEntry{
		marker: Marker{TargetID: targetID, DetectedAt: d.now()},
		seq:    seq,
	}
	entry.timer = time.AfterFunc(d.window, func() { d.expire(targetID, seq) })
	d.markers[targetID] = entry
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	d.logger.Info("conflict marker set", zap.String("target_id", targetID))
	for _, fn := range observers {
		fn(targetID, true)
	}
}

func (d *Detector) Clear(targetID string) {
	d.mu.Lock()
	entry, ok := d.markers[targetID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(d.markers, targetID)
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	for _, fn := range observers {
		fn(targetID, false)
	}
}

func (d *Detector) IsConflicting(targetID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.markers[targetID]
	if !ok {
		return false
	}
	return d.now().Sub(entry.marker.DetectedAt) < d.window
}

func (d *Detector) Markers() []Marker {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	out := make([]Marker, 0, len(d.markers))
	for _, entry := range d.markers {
		if now.Sub(entry.marker.DetectedAt) < d.window {
			out = append(out, entry.marker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

func (d *Detector) OnChange(fn func(targetID string, conflicting bool)) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, entry := range d.markers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.markers, id)
	}
}

func (d *Detector) expire(targetID string, seq uint64) {
	d.mu.Lock()
	entry, ok := d.markers[targetID]
	if !ok || entry.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.markers, targetID)
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	for _, fn := range observers {
		fn(targetID, false)
	}
}

func (d *Detector) snapshotObserversLocked() []func(string, bool) {
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(string, bool), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}
