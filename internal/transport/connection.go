package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/boqsync/internal/events"
)

// StatusAuthRejected is the close code a server uses to refuse a stream token.
const StatusAuthRejected websocket.StatusCode = 4401

var (
	ErrAuthRejected     = errors.New("stream authentication rejected")
	ErrConnectionLost   = errors.New("stream connection lost")
	ErrConnectionFailed = errors.New("stream reconnect attempts exhausted")
	ErrNotConnected     = errors.New("stream not connected")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type StateChange struct {
	State   State
	Err     error
	UserID  string
	Attempt int
}

type Options struct {
	URL string
	// HTTPClient must not set Timeout; the dial context bounds the handshake.
	HTTPClient           *http.Client
	Query                url.Values
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	KeepaliveInterval    time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	Logger               *zap.Logger
}

type Connection struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	token    string
	userID   string
	gen      uint64
	cancel   context.CancelFunc
	nextObs  uint64
	stateObs map[uint64]func(StateChange)
	frameObs map[uint64]func(events.Frame)
}

func New(opts Options) (*Connection, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	parsed, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported stream url scheme %q", parsed.Scheme)
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 25 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Connection{
		opts:     opts,
		logger:   opts.Logger,
		state:    StateDisconnected,
		stateObs: map[uint64]func(StateChange){},
		frameObs: map[uint64]func(events.Frame){},
	}, nil
}

// Connect dials the stream and waits for the server handshake. A failed first
// dial is retried with the reconnect backoff unless the token was rejected;
// drops after that reconnect in the background.
func (c *Connection) Connect(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.token = token
	c.mu.Unlock()

	c.transition(gen, StateChange{State: StateConnecting})
	conn, userID, err := c.dial(ctx, token)
	if err != nil && !errors.Is(err, ErrAuthRejected) && ctx.Err() == nil {
		c.logger.Warn("stream dial failed, retrying", zap.Error(err))
		c.transition(gen, StateChange{State: StateReconnecting, Err: err})
		conn, userID, err = c.reconnect(ctx, gen)
	}
	if err != nil {
		c.transition(gen, StateChange{State: StateDisconnected, Err: err})
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrNotConnected
	}
	c.conn = conn
	c.userID = userID
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("stream connected", zap.String("user_id", userID))
	c.transition(gen, StateChange{State: StateConnected, UserID: userID})
	go c.run(runCtx, gen, conn)
	return nil
}

func (c *Connection) Disconnect() {
	c.mu.Lock()
	wasActive := c.state != StateDisconnected
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	if wasActive {
		c.transition(gen, StateChange{State: StateDisconnected})
	}
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) Send(ctx context.Context, frame events.Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", frame.Event, err)
	}
	return nil
}

func (c *Connection) OnStateChange(fn func(StateChange)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.stateObs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateObs, id)
		c.mu.Unlock()
	}
}

// OnFrame observers run on the read goroutine in arrival order and must not
// block on further frames.
func (c *Connection) OnFrame(fn func(events.Frame)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.frameObs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.frameObs, id)
		c.mu.Unlock()
	}
}

func (c *Connection) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
}

func (c *Connection) transition(gen uint64, change StateChange) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = change.State
	if change.State == StateConnected && change.UserID == "" {
		change.UserID = c.userID
	}
	ids := make([]uint64, 0, len(c.stateObs))
	for id := range c.stateObs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, c.stateObs[id])
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
}

func (c *Connection) deliver(frame events.Frame) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.frameObs))
	for id := range c.frameObs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(events.Frame), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, c.frameObs[id])
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(frame)
	}
}

func (c *Connection) run(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Warn("stream token rejected by server")
			c.detach(gen)
			c.transition(gen, StateChange{State: StateDisconnected, Err: ErrAuthRejected})
			return
		}
		c.logger.Warn("stream connection lost", zap.Error(err))
		c.detach(gen)
		c.transition(gen, StateChange{State: StateReconnecting, Err: ErrConnectionLost})

		next, userID, err := c.reconnect(ctx, gen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("stream reconnect failed", zap.Error(err))
			c.transition(gen, StateChange{State: StateDisconnected, Err: err})
			return
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = next.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		c.conn = next
		c.userID = userID
		c.mu.Unlock()
		conn = next
		c.logger.Info("stream reconnected", zap.String("user_id", userID))
		c.transition(gen, StateChange{State: StateConnected, UserID: userID})
	}
}

func (c *Connection) detach(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.conn = nil
	}
}

func (c *Connection) reconnect(ctx context.Context, gen uint64) (*websocket.Conn, string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		if err := waitWithContext(ctx, backoffDelay(c.opts.InitialBackoff, c.opts.MaxBackoff, attempt)); err != nil {
			return nil, "", err
		}
		c.mu.Lock()
		token := c.token
		current := c.gen == gen
		c.mu.Unlock()
		if !current {
			return nil, "", context.Canceled
		}
		conn, userID, err := c.dial(ctx, token)
		if err == nil {
			return conn, userID, nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return nil, "", err
		}
		lastErr = err
		c.logger.Debug("stream reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, "", fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, c.opts.MaxReconnectAttempts, lastErr)
}

func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(serveCtx, conn)

	for {
		var frame events.Frame
		if err := wsjson.Read(serveCtx, conn, &frame); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if websocket.CloseStatus(err) == StatusAuthRejected {
				return ErrAuthRejected
			}
			return err
		}
		if events.Topic(frame.Event) == events.TopicError && isAuthRejection(frame) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return ErrAuthRejected
		}
		c.deliver(frame)
	}
}

func (c *Connection) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := events.NewFrame(events.TopicPing, nil)
			writeCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Connection) dial(ctx context.Context, token string) (*websocket.Conn, string, error) {
	target, err := c.streamURL(token)
	if err != nil {
		return nil, "", err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: c.opts.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", ErrAuthRejected
		}
		return nil, "", fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	var frame events.Frame
	if err := wsjson.Read(dialCtx, conn, &frame); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == StatusAuthRejected {
			return nil, "", ErrAuthRejected
		}
		return nil, "", fmt.Errorf("stream handshake: %w", err)
	}
	switch events.Topic(frame.Event) {
	case events.TopicConnected:
		var payload events.Connected
		if err := json.Unmarshal(frame.Data, &payload); err != nil || strings.TrimSpace(payload.UserID) == "" {
			_ = conn.Close(websocket.StatusProtocolError, "bad handshake")
			return nil, "", fmt.Errorf("stream handshake: missing user_id")
		}
		return conn, payload.UserID, nil
	case events.TopicError:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if isAuthRejection(frame) {
			return nil, "", ErrAuthRejected
		}
		var payload events.ErrorEvent
		_ = json.Unmarshal(frame.Data, &payload)
		return nil, "", fmt.Errorf("stream handshake: %s", payload.Message)
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake")
		return nil, "", fmt.Errorf("stream handshake: unexpected %q", frame.Event)
	}
}

func (c *Connection) streamURL(token string) (string, error) {
	parsed, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	for key, values := range c.opts.Query {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	q.Set("token", token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func isAuthRejection(frame events.Frame) bool {
	var payload events.ErrorEvent
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return false
	}
	return payload.Code == events.ErrorCodeAuthRejected
}
