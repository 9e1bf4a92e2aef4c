package presence

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

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/restapi"
	"github.com/agentworkforce/boqsync/internal/transport"
)

var (
	ErrAccessDenied = errors.New("project access denied")
	ErrJoinTimeout  = errors.New("join timed out")
	ErrNotConnected = transport.ErrNotConnected
)

type Stream interface {
	Send(ctx context.Context, frame events.Frame) error
	IsConnected() bool
	OnStateChange(fn func(transport.StateChange)) func()
}

type RosterSource interface {
	ListCollaborators(ctx context.Context, projectID string) (model.Roster, error)
}

type Member struct {
	model.Collaborator
	ProjectID string
	JoinedAt  time.Time
}

type Options struct {
	Stream      Stream
	Roster      RosterSource
	Router      *events.Router
	JoinTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// Tracker owns the presence set of the single room the session has joined.
type Tracker struct {
	stream      Stream
	roster      RosterSource
	joinTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu            sync.Mutex
	current       string
	collaborators map[string]model.Collaborator
	online        map[string]time.Time
	waiters       map[string][]chan error
	nextObs       uint64
	observers     map[uint64]func(projectID string, members []Member)
	unsubscribe   []func()
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Stream == nil {
		return nil, fmt.Errorf("presence tracker requires a stream")
	}
	if opts.Roster == nil {
		return nil, fmt.Errorf("presence tracker requires a roster source")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("presence tracker requires an event router")
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &Tracker{
		stream:        opts.Stream,
		roster:        opts.Roster,
		joinTimeout:   opts.JoinTimeout,
		now:           opts.Now,
		logger:        opts.Logger,
		collaborators: map[string]model.Collaborator{},
		online:        map[string]time.Time{},
		waiters:       map[string][]chan error{},
		observers:     map[uint64]func(string, []Member){},
	}
	t.unsubscribe = []func(){
		opts.Router.Subscribe(events.TopicJoinedProject, "", t.handleJoined),
		opts.Router.Subscribe(events.TopicError, "", t.handleError),
		opts.Router.Subscribe(events.TopicUserJoined, "", t.handleUserJoined),
		opts.Router.Subscribe(events.TopicUserLeft, "", t.handleUserLeft),
		opts.Stream.OnStateChange(t.handleState),
	}
	return t, nil
}

// Join fetches the project's collaborators, resets the room's presence set and
// waits for the server to acknowledge the join. Joining a second project
// replaces the first one.
func (t *Tracker) Join(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	if !t.stream.IsConnected() {
		return ErrNotConnected
	}
	roster, err := t.roster.ListCollaborators(ctx, projectID)
	if err != nil {
		var httpErr *restapi.HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusForbidden || httpErr.StatusCode == http.StatusNotFound) {
			return fmt.Errorf("%w: %s", ErrAccessDenied, projectID)
		}
		return fmt.Errorf("fetch collaborators: %w", err)
	}

	waiter := make(chan error, 1)
	t.mu.Lock()
	t.current = projectID
	t.collaborators = make(map[string]model.Collaborator, len(roster.Collaborators))
	for _, c := range roster.Collaborators {
		if c.UserID != "" {
			t.collaborators[c.UserID] = c
		}
	}
	t.online = map[string]time.Time{}
	t.waiters[projectID] = append(t.waiters[projectID], waiter)
	t.mu.Unlock()
	t.notify(projectID)

	frame, err := events.NewFrame(events.TopicJoinProject, events.ProjectRef{ProjectID: projectID})
	if err == nil {
		err = t.stream.Send(ctx, frame)
	}
	if err != nil {
		t.dropWaiter(projectID, waiter)
		return err
	}

	timer := time.NewTimer(t.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		t.dropWaiter(projectID, waiter)
		t.mu.Lock()
		if t.current == projectID {
			t.current = ""
			t.online = map[string]time.Time{}
		}
		t.mu.Unlock()
		t.logger.Warn("join timed out", zap.String("project_id", projectID))
		return fmt.Errorf("%w: %s", ErrJoinTimeout, projectID)
	case <-ctx.Done():
		t.dropWaiter(projectID, waiter)
		return ctx.Err()
	}
}

// Leave stops presence tracking for projectID. Pending mutations are untouched.
func (t *Tracker) Leave(ctx context.Context, projectID string) error {
	t.mu.Lock()
	if t.current != projectID || projectID == "" {
		t.mu.Unlock()
		return nil
	}
	t.current = ""
	t.collaborators = map[string]model.Collaborator{}
	t.online = map[string]time.Time{}
	t.mu.Unlock()
	t.notify(projectID)

	if !t.stream.IsConnected() {
		return nil
	}
	frame, err := events.NewFrame(events.TopicLeaveProject, events.ProjectRef{ProjectID: projectID})
	if err != nil {
		return err
	}
	return t.stream.Send(ctx, frame)
}

func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) Online(projectID string) []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked(projectID)
}

func (t *Tracker) Collaborators(projectID string) []model.Collaborator {
	t.mu.Lock()
	defer t.mu.Unlock()
	if projectID != t.current {
		return nil
	}
	out := make([]model.Collaborator, 0, len(t.collaborators))
	for _, c := range t.collaborators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) OnChange(fn func(projectID string, members []Member)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) Close() {
	t.mu.Lock()
	unsubs := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	t.rejectAll(ErrNotConnected)
}

func (t *Tracker) handleJoined(event events.Event) {
	joined := event.(events.JoinedProject)
	t.mu.Lock()
	if joined.ProjectID != t.current {
		t.mu.Unlock()
		return
	}
	now := t.now()
	t.online = map[string]time.Time{}
	for _, id := range joined.OnlineUserIDs {
		if _, ok := t.collaborators[id]; ok {
			t.online[id] = now
		}
	}
	waiters := t.waiters[joined.ProjectID]
	delete(t.waiters, joined.ProjectID)
	t.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	t.logger.Info("joined project", zap.String("project_id", joined.ProjectID), zap.Int("online", len(joined.OnlineUserIDs)))
	t.notify(joined.ProjectID)
}

func (t *Tracker) handleError(event events.Event) {
	e := event.(events.ErrorEvent)
	if e.Code != events.ErrorCodeAccessDenied || e.ProjectID == "" {
		return
	}
	t.mu.Lock()
	waiters := t.waiters[e.ProjectID]
	delete(t.waiters, e.ProjectID)
	changed := t.current == e.ProjectID
	if changed {
		t.current = ""
		t.collaborators = map[string]model.Collaborator{}
		t.online = map[string]time.Time{}
	}
	t.mu.Unlock()

	for _, w := range waiters {
		w <- fmt.Errorf("%w: %s", ErrAccessDenied, e.ProjectID)
	}
	if changed {
		t.notify(e.ProjectID)
	}
}

func (t *Tracker) handleUserJoined(event events.Event) {
	joined := event.(events.UserJoined)
	t.mu.Lock()
	if joined.ProjectID != t.current {
		t.mu.Unlock()
		return
	}
	if _, ok := t.collaborators[joined.UserID]; !ok {
		t.mu.Unlock()
		t.logger.Debug("ignoring presence for unknown user", zap.String("user_id", joined.UserID))
		return
	}
	if _, ok := t.online[joined.UserID]; ok {
		t.mu.Unlock()
		return
	}
	t.online[joined.UserID] = t.now()
	t.mu.Unlock()
	t.notify(joined.ProjectID)
}

func (t *Tracker) handleUserLeft(event events.Event) {
	left := event.(events.UserLeft)
	t.mu.Lock()
	if left.ProjectID != t.current {
		t.mu.Unlock()
		return
	}
	if _, ok := t.online[left.UserID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.online, left.UserID)
	t.mu.Unlock()
	t.notify(left.ProjectID)
}

func (t *Tracker) handleState(change transport.StateChange) {
	switch change.State {
	case transport.StateConnected:
		projectID := t.Current()
		if projectID == "" {
			return
		}
		// Runs off the transport goroutine: the ack arrives on the read loop.
		go t.rejoin(projectID)
	case transport.StateDisconnected, transport.StateReconnecting:
		t.rejectAll(ErrNotConnected)
		t.mu.Lock()
		projectID := t.current
		hadOnline := len(t.online) > 0
		t.online = map[string]time.Time{}
		t.mu.Unlock()
		if hadOnline {
			t.notify(projectID)
		}
	}
}

func (t *Tracker) rejoin(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.joinTimeout+time.Second)
	defer cancel()
	if err := t.Join(ctx, projectID); err != nil {
		t.logger.Warn("rejoin after reconnect failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	t.logger.Info("rejoined project after reconnect", zap.String("project_id", projectID))
}

func (t *Tracker) rejectAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = map[string][]chan error{}
	t.mu.Unlock()
	for _, list := range waiters {
		for _, w := range list {
			w <- err
		}
	}
}

func (t *Tracker) dropWaiter(projectID string, waiter chan error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[projectID]
	for i, w := range list {
		if w == waiter {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.waiters, projectID)
	} else {
		t.waiters[projectID] = list
	}
}

func (t *Tracker) membersLocked(projectID string) []Member {
	if projectID == "" || projectID != t.current {
		return nil
	}
	out := make([]Member, 0, len(t.online))
	for id, at := range t.online {
		c, ok := t.collaborators[id]
		if !ok {
			continue
		}
		out = append(out, Member{Collaborator: c, ProjectID: projectID, JoinedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (t *Tracker) notify(projectID string) {
	t.mu.Lock()
	members := t.membersLocked(projectID)
	ids := make([]uint64, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(string, []Member), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, t.observers[id])
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(projectID, members)
	}
}
