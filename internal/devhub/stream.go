package devhub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/transport"
)

const (
	clientSendBuffer   = 64
	streamWriteTimeout = 5 * time.Second
)

type streamClient struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan events.Frame
	cancel    context.CancelFunc

	// project is guarded by hub.mu.
	project string
}

func (c *streamClient) enqueue(frame events.Frame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// hub tracks stream clients and the single room each one has joined.
type hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{logger: logger, clients: map[*streamClient]struct{}{}}
}

func (h *hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	previous := c.project
	c.project = ""
	left := previous != "" && !h.presentLocked(previous, c.userID)
	h.mu.Unlock()
	if left {
		h.broadcast(previous, mustFrame(events.TopicUserLeft, events.UserLeft{UserID: c.userID, ProjectID: previous}), nil)
	}
}

// join moves c into projectID and returns the users online there afterwards.
func (h *hub) join(c *streamClient, projectID string) []string {
	h.mu.Lock()
	previous := c.project
	c.project = projectID
	leftPrevious := previous != "" && previous != projectID && !h.presentLocked(previous, c.userID)
	online := h.onlineLocked(projectID)
	h.mu.Unlock()

	if leftPrevious {
		h.broadcast(previous, mustFrame(events.TopicUserLeft, events.UserLeft{UserID: c.userID, ProjectID: previous}), nil)
	}
	c.enqueue(mustFrame(events.TopicJoinedProject, events.JoinedProject{ProjectID: projectID, OnlineUserIDs: online}))
	h.broadcast(projectID, mustFrame(events.TopicUserJoined, events.UserJoined{UserID: c.userID, ProjectID: projectID}), func(other *streamClient) bool {
		return other == c
	})
	return online
}

func (h *hub) leave(c *streamClient, projectID string) {
	h.mu.Lock()
	if c.project != projectID || projectID == "" {
		h.mu.Unlock()
		return
	}
	c.project = ""
	left := !h.presentLocked(projectID, c.userID)
	h.mu.Unlock()
	if left {
		h.broadcast(projectID, mustFrame(events.TopicUserLeft, events.UserLeft{UserID: c.userID, ProjectID: projectID}), nil)
	}
}

func (h *hub) presentLocked(projectID, userID string) bool {
	for c := range h.clients {
		if c.project == projectID && c.userID == userID {
			return true
		}
	}
	return false
}

func (h *hub) onlineLocked(projectID string) []string {
	seen := map[string]bool{}
	out := make([]string, 0)
	for c := range h.clients {
		if c.project == projectID && !seen[c.userID] {
			seen[c.userID] = true
			out = append(out, c.userID)
		}
	}
	sort.Strings(out)
	return out
}

// broadcast queues frame for every client in projectID that skip does not
// exclude. Clients that cannot keep up are disconnected.
func (h *hub) broadcast(projectID string, frame events.Frame, skip func(*streamClient) bool) int {
	h.mu.Lock()
	targets := make([]*streamClient, 0)
	for c := range h.clients {
		if c.project != projectID {
			continue
		}
		if skip != nil && skip(c) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()
	return h.deliver(targets, frame)
}

func (h *hub) sendToUser(userID string, frame events.Frame) int {
	h.mu.Lock()
	targets := make([]*streamClient, 0)
	for c := range h.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	return h.deliver(targets, frame)
}

func (h *hub) deliver(targets []*streamClient, frame events.Frame) int {
	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			continue
		}
		h.logger.Warn("stream client too slow, disconnecting",
			zap.String("user_id", c.userID),
			zap.String("session_id", c.sessionID))
		c.cancel()
	}
	return delivered
}

// dropAll closes every stream connection with a going-away status.
func (h *hub) dropAll(reason string) int {
	h.mu.Lock()
	targets := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		go func(c *streamClient) {
			_ = c.conn.Close(websocket.StatusGoingAway, reason)
			c.cancel()
		}(c)
	}
	return len(targets)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	claims, authErr := parseToken(r.URL.Query().Get("token"), s.cfg.Secret, s.now())
	if authErr != nil {
		writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
		_ = wsjson.Write(writeCtx, conn, mustFrame(events.TopicError, events.ErrorEvent{
			Message: authErr.message,
			Code:    events.ErrorCodeAuthRejected,
		}))
		writeCancel()
		_ = conn.Close(transport.StatusAuthRejected, "auth rejected")
		return
	}

	client := &streamClient{
		sessionID: r.URL.Query().Get("session_id"),
		userID:    claims.UserID,
		conn:      conn,
		send:      make(chan events.Frame, clientSendBuffer),
		cancel:    cancel,
	}
	client.enqueue(mustFrame(events.TopicConnected, events.Connected{UserID: claims.UserID}))
	s.hub.add(client)
	defer s.hub.remove(client)
	s.logger.Info("stream client connected", zap.String("user_id", client.userID), zap.String("session_id", client.sessionID))

	go s.writeLoop(ctx, client)
	for {
		var frame events.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.logger.Debug("stream client gone", zap.String("user_id", client.userID), zap.Error(err))
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.handleClientFrame(client, frame)
	}
}

func (s *Server) writeLoop(ctx context.Context, client *streamClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, client.conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("stream write failed", zap.String("user_id", client.userID), zap.Error(err))
				client.cancel()
				return
			}
		}
	}
}

func (s *Server) handleClientFrame(client *streamClient, frame events.Frame) {
	switch events.Topic(frame.Event) {
	case events.TopicPing:
	case events.TopicJoinProject:
		var ref events.ProjectRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.ProjectID == "" {
			client.enqueue(mustFrame(events.TopicError, events.ErrorEvent{Message: "project_id is required", Code: "bad_request"}))
			return
		}
		if !s.state.canJoin(ref.ProjectID, client.userID) {
			client.enqueue(mustFrame(events.TopicError, events.ErrorEvent{
				Message:   "access denied",
				Code:      events.ErrorCodeAccessDenied,
				ProjectID: ref.ProjectID,
			}))
			return
		}
		online := s.hub.join(client, ref.ProjectID)
		s.logger.Debug("client joined project",
			zap.String("user_id", client.userID),
			zap.String("project_id", ref.ProjectID),
			zap.Int("online", len(online)))
	case events.TopicLeaveProject:
		var ref events.ProjectRef
		_ = json.Unmarshal(frame.Data, &ref)
		s.hub.leave(client, ref.ProjectID)
	default:
		client.enqueue(mustFrame(events.TopicError, events.ErrorEvent{Message: "unknown event " + frame.Event, Code: "bad_request"}))
	}
}

func mustFrame(topic events.Topic, data any) events.Frame {
	frame, err := events.NewFrame(topic, data)
	if err != nil {
		panic(err)
	}
	return frame
}
