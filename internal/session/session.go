package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/boqsync/internal/config"
	"github.com/agentworkforce/boqsync/internal/conflict"
	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/mutation"
	"github.com/agentworkforce/boqsync/internal/notify"
	"github.com/agentworkforce/boqsync/internal/presence"
	"github.com/agentworkforce/boqsync/internal/restapi"
	"github.com/agentworkforce/boqsync/internal/snapshot"
	"github.com/agentworkforce/boqsync/internal/transport"
)

var ErrNoProject = errors.New("no project open")

type Options struct {
	APIURL    string
	StreamURL string
	Token     string
	// HTTPClient serves REST calls. StreamHTTPClient performs the websocket
	// handshake and JobHTTPClient follows job streams; neither may set a
	// Timeout. JobHTTPClient defaults to HTTPClient without its Timeout.
	HTTPClient       *http.Client
	StreamHTTPClient *http.Client
	JobHTTPClient    *http.Client
	Snapshots        snapshot.Backend

	RequestTimeout       time.Duration
	JoinTimeout          time.Duration
	ConflictWindow       time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	KeepaliveInterval    time.Duration
	StaleAfter           time.Duration
	PollInterval         time.Duration
	PollJitter           float64

	Logger *zap.Logger
}

// OptionsFromConfig maps loaded configuration onto session options.
func OptionsFromConfig(cfg config.Config, snapshots snapshot.Backend, logger *zap.Logger) Options {
	return Options{
		APIURL:               cfg.APIURL,
		StreamURL:            cfg.StreamURL,
		Token:                cfg.Token,
		Snapshots:            snapshots,
		RequestTimeout:       cfg.RequestTimeout,
		JoinTimeout:          cfg.JoinTimeout,
		ConflictWindow:       cfg.ConflictWindow,
		InitialBackoff:       cfg.Reconnect.InitialBackoff,
		MaxBackoff:           cfg.Reconnect.MaxBackoff,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		KeepaliveInterval:    cfg.Reconnect.Keepalive,
		StaleAfter:           cfg.Notifications.StaleAfter,
		PollInterval:         cfg.Notifications.PollInterval,
		PollJitter:           cfg.Notifications.PollJitter,
		Logger:               logger,
	}
}

// Session is one signed-in client: exactly one stream connection and the
// components fed by it.
type Session struct {
	id        string
	logger    *zap.Logger
	snapshots snapshot.Backend
	timeout   time.Duration

	api           *restapi.Client
	conn          *transport.Connection
	router        *events.Router
	conflicts     *conflict.Detector
	engine        *mutation.Engine
	presence      *presence.Tracker
	notifications *notify.Aggregator
	jobs          *transport.JobStream

	mu              sync.Mutex
	token           string
	project         string
	projectUnsubs   []func()
	unsubs          []func()
	pollCancel      context.CancelFunc
	pollDone        chan struct{}
	restored        bool
	connectedBefore bool
	closed          bool
}

func New(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.APIURL) == "" {
		return nil, fmt.Errorf("session requires an api url")
	}
	if strings.TrimSpace(opts.StreamURL) == "" {
		opts.StreamURL = config.DeriveStreamURL(opts.APIURL)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	if opts.JobHTTPClient == nil {
		jobClient := *opts.HTTPClient
		jobClient.Timeout = 0
		opts.JobHTTPClient = &jobClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger := opts.Logger.With(zap.String("session_id", id))

	api := restapi.NewClient(opts.APIURL, opts.Token, opts.HTTPClient)
	api.SetSessionID(id)
	conn, err := transport.New(transport.Options{
		URL:                  opts.StreamURL,
		HTTPClient:           opts.StreamHTTPClient,
		Query:                url.Values{"session_id": {id}},
		InitialBackoff:       opts.InitialBackoff,
		MaxBackoff:           opts.MaxBackoff,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		KeepaliveInterval:    opts.KeepaliveInterval,
		Logger:               logger.Named("transport"),
	})
	if err != nil {
		return nil, err
	}
	router := events.NewRouter(logger.Named("router"))
	conflicts := conflict.NewDetector(conflict.Options{
		Window: opts.ConflictWindow,
		Logger: logger.Named("conflict"),
	})
	engine, err := mutation.NewEngine(mutation.Options{
		Backend:        api,
		Conflicts:      conflicts,
		RequestTimeout: opts.RequestTimeout,
		Logger:         logger.Named("mutation"),
	})
	if err != nil {
		return nil, err
	}
	tracker, err := presence.NewTracker(presence.Options{
		Stream:      conn,
		Roster:      api,
		Router:      router,
		JoinTimeout: opts.JoinTimeout,
		Logger:      logger.Named("presence"),
	})
	if err != nil {
		return nil, err
	}
	aggregator, err := notify.NewAggregator(notify.Options{
		Backend:      api,
		StaleAfter:   opts.StaleAfter,
		PollInterval: opts.PollInterval,
		PollJitter:   opts.PollJitter,
		Logger:       logger.Named("notify"),
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:            id,
		logger:        logger,
		snapshots:     opts.Snapshots,
		timeout:       opts.RequestTimeout,
		api:           api,
		conn:          conn,
		router:        router,
		conflicts:     conflicts,
		engine:        engine,
		presence:      tracker,
		notifications: aggregator,
		jobs:          transport.NewJobStream(opts.APIURL, opts.Token, opts.JobHTTPClient, logger.Named("jobs")),
		token:         strings.TrimSpace(opts.Token),
	}
	s.unsubs = []func(){
		conn.OnFrame(router.HandleFrame),
		conn.OnStateChange(s.handleState),
		aggregator.AttachRouter(router),
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) UserID() string { return s.conn.UserID() }
func (s *Session) State() transport.State { return s.conn.State() }
func (s *Session) Router() *events.Router { return s.router }
func (s *Session) Engine() *mutation.Engine { return s.engine }
func (s *Session) Presence() *presence.Tracker { return s.presence }
func (s *Session) Conflicts() *conflict.Detector { return s.conflicts }
func (s *Session) Notifications() *notify.Aggregator { return s.notifications }
func (s *Session) Connection() *transport.Connection { return s.conn }
func (s *Session) API() *restapi.Client { return s.api }

// Start connects the stream, restores the user's cached state when a snapshot
// backend is configured and starts notification polling.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return mutation.ErrClosed
	}
	token := s.token
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, token); err != nil {
		return err
	}
	if err := s.restore(ctx); err != nil {
		s.logger.Warn("snapshot restore failed", zap.Error(err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.pollCancel = cancel
	s.pollDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		_ = s.notifications.Run(pollCtx)
	}()
	return nil
}

// OpenProject joins projectID and loads its items, tasks and notifications in
// parallel. Any project opened before is closed first.
func (s *Session) OpenProject(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	s.CloseProject(ctx)

	unsubs := []func(){
		s.router.Subscribe(events.TopicItemUpdated, projectID, s.handleItemUpdated),
		s.router.Subscribe(events.TopicTaskUpdated, projectID, s.handleTaskUpdated),
		s.router.Subscribe(events.TopicBulkUpdated, projectID, s.handleBulkUpdated),
	}
	s.mu.Lock()
	s.project = projectID
	s.projectUnsubs = unsubs
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.presence.Join(gctx, projectID)
	})
	g.Go(func() error {
		return s.engine.Refresh(gctx, projectID)
	})
	g.Go(func() error {
		return s.loadTasks(gctx, projectID)
	})
	g.Go(func() error {
		_, err := s.notifications.List(gctx, model.NotificationFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		s.CloseProject(context.Background())
		return fmt.Errorf("open project %s: %w", projectID, err)
	}
	s.logger.Info("project opened", zap.String("project_id", projectID))
	return nil
}

// CloseProject leaves the open project, if any, and drops its subscriptions.
func (s *Session) CloseProject(ctx context.Context) {
	s.mu.Lock()
	projectID := s.project
	unsubs := s.projectUnsubs
	s.project = ""
	s.projectUnsubs = nil
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	if projectID == "" {
		return
	}
	if err := s.presence.Leave(ctx, projectID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Debug("leave project", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (s *Session) Project() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// Edit applies changes to a record of the open project optimistically.
func (s *Session) Edit(ctx context.Context, targetID string, changes map[string]any) <-chan mutation.Result {
	return s.engine.Mutate(ctx, targetID, changes)
}

func (s *Session) Reorder(ctx context.Context, order []string) (<-chan mutation.Result, error) {
	projectID := s.Project()
	if projectID == "" {
		return nil, ErrNoProject
	}
	return s.engine.Reorder(ctx, projectID, order), nil
}

func (s *Session) Items() []model.Record {
	return s.engine.List(s.Project(), model.KindItem)
}

func (s *Session) Tasks() []model.Record {
	return s.engine.List(s.Project(), model.KindTask)
}

func (s *Session) Online() []presence.Member {
	return s.presence.Online(s.Project())
}

// Rotate swaps the token used for REST calls and reconnects the stream with it.
// The open project is rejoined once the new connection is up.
func (s *Session) Rotate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is required")
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.api.SetToken(token)
	s.jobs.SetToken(token)
	s.logger.Info("token rotated, reconnecting stream")
	return s.conn.Connect(ctx, token)
}

// Export starts an export of the open project and returns its job id.
func (s *Session) Export(ctx context.Context) (string, error) {
	projectID := s.Project()
	if projectID == "" {
		return "", ErrNoProject
	}
	return s.api.CreateExport(ctx, projectID)
}

// FollowJob feeds a job's progress events into the router until it completes.
func (s *Session) FollowJob(ctx context.Context, jobID string) error {
	return s.jobs.Follow(ctx, jobID, s.router.HandleFrame)
}

type cacheSnapshot struct {
	SavedAt       time.Time           `json:"saved_at"`
	Engine        mutation.State      `json:"engine"`
	Notifications []notify.CachedList `json:"notifications"`
}

func snapshotKey(userID string) string {
	return "session:" + userID + ":cache"
}

// SaveSnapshot persists the confirmed cache for the connected user.
func (s *Session) SaveSnapshot(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	userID := s.conn.UserID()
	if userID == "" {
		return transport.ErrNotConnected
	}
	state := cacheSnapshot{
		SavedAt:       time.Now().UTC(),
		Engine:        s.engine.Snapshot(),
		Notifications: s.notifications.Snapshot(),
	}
	return snapshot.SaveJSON(ctx, s.snapshots, snapshotKey(userID), state)
}

func (s *Session) restore(ctx context.Context) error {
	s.mu.Lock()
	if s.snapshots == nil || s.restored {
		s.mu.Unlock()
		return nil
	}
	s.restored = true
	s.mu.Unlock()

	var state cacheSnapshot
	found, err := snapshot.LoadJSON(ctx, s.snapshots, snapshotKey(s.conn.UserID()), &state)
	if err != nil || !found {
		return err
	}
	s.engine.Restore(state.Engine)
	s.notifications.Restore(state.Notifications)
	s.logger.Info("restored cached state",
		zap.Int("records", len(state.Engine.Records)),
		zap.Time("saved_at", state.SavedAt))
	return nil
}

// Close saves a snapshot, leaves the open project and tears every component
// down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pollCancel, pollDone := s.pollCancel, s.pollDone
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.engine.Wait()
	var saveErr error
	if s.conn.UserID() != "" {
		saveErr = s.SaveSnapshot(ctx)
	}
	s.CloseProject(ctx)
	if pollCancel != nil {
		pollCancel()
		<-pollDone
	}
	s.presence.Close()
	s.notifications.Close()
	s.engine.Close()
	s.conflicts.Close()
	s.conn.Disconnect()
	for _, fn := range unsubs {
		fn()
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil && saveErr == nil {
			saveErr = err
		}
	}
	return saveErr
}

func (s *Session) handleItemUpdated(event events.Event) {
	e, ok := event.(events.ItemUpdated)
	if !ok {
		return
	}
	if s.engine.ApplyRemotePatch(e.ProjectID, model.KindItem, e.ItemID, e.Updates) {
		return
	}
	// An item we have never seen: reload the project listing.
	go s.refreshItems(e.ProjectID, "unknown item "+e.ItemID)
}

func (s *Session) handleTaskUpdated(event events.Event) {
	e, ok := event.(events.TaskUpdated)
	if !ok {
		return
	}
	if s.engine.ApplyRemotePatch(e.ProjectID, model.KindTask, e.TaskID, e.Updates) {
		return
	}
	go s.refreshTasks(e.ProjectID, "unknown task "+e.TaskID)
}

func (s *Session) handleBulkUpdated(event events.Event) {
	e, ok := event.(events.BulkUpdated)
	if !ok {
		return
	}
	go s.refreshItems(e.ProjectID, "bulk update")
}

func (s *Session) handleState(change transport.StateChange) {
	switch change.State {
	case transport.StateConnected:
		s.mu.Lock()
		reconnected := s.connectedBefore
		s.connectedBefore = true
		projectID := s.project
		s.mu.Unlock()
		if !reconnected {
			return
		}
		// Events sent while the stream was down are not replayed.
		s.notifications.Invalidate("reconnect")
		if projectID != "" {
			go s.refresh(projectID, "reconnect")
		}
	case transport.StateDisconnected:
		if errors.Is(change.Err, transport.ErrAuthRejected) {
			s.logger.Error("stream token rejected; rotate the token to reconnect")
		} else if change.Err != nil {
			s.logger.Warn("stream disconnected", zap.Error(change.Err))
		}
	}
}

// refresh reloads both listings of a project.
func (s *Session) refresh(projectID, reason string) {
	s.refreshItems(projectID, reason)
	s.refreshTasks(projectID, reason)
}

func (s *Session) refreshItems(projectID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.engine.Refresh(ctx, projectID); err != nil {
		s.logger.Warn("item refresh failed", zap.String("project_id", projectID), zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Session) refreshTasks(projectID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.loadTasks(ctx, projectID); err != nil {
		s.logger.Warn("task refresh failed", zap.String("project_id", projectID), zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Session) loadTasks(ctx context.Context, projectID string) error {
	tasks, err := s.api.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}
	s.engine.LoadTasks(projectID, tasks)
	return nil
}
