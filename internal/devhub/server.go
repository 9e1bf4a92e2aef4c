package devhub

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/restapi"
)

type Config struct {
	Secret          string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	TokenTTL        time.Duration
	// JobDuration is how long an export job runs before it completes.
	JobDuration time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// Server is an in-memory reference implementation of the collaboration
// backend: the REST surface plus the realtime stream.
type Server struct {
	cfg         Config
	now         func() time.Time
	logger      *zap.Logger
	state       *state
	hub         *hub
	rateLimiter *rateLimiter

	jobsMu sync.Mutex
	jobs   map[string]*exportJob
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Secret == "" {
		cfg.Secret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.JobDuration <= 0 {
		cfg.JobDuration = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		now:         cfg.Now,
		logger:      cfg.Logger,
		state:       newState(cfg.Now),
		hub:         newHub(cfg.Logger),
		rateLimiter: limiter,
		jobs:        map[string]*exportJob{},
	}
}

func (s *Server) Seed(seed ProjectSeed) error {
	return s.state.seed(seed)
}

func (s *Server) MintToken(userID, name string) (string, error) {
	return MintToken(s.cfg.Secret, userID, name, s.cfg.TokenTTL, s.now())
}

// Notify stores a notification for userID and pushes notification:new to the
// user's open streams.
func (s *Server) Notify(userID, kind string, payload map[string]any) model.Notification {
	n := s.state.createNotification(userID, kind, payload)
	createdAt := n.CreatedAt
	s.hub.sendToUser(userID, mustFrame(events.TopicNotificationNew, events.NotificationNew{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Payload:   n.Payload,
		CreatedAt: &createdAt,
	}))
	return n
}

// DropStreams disconnects every stream client, as a restart would.
func (s *Server) DropStreams(reason string) int {
	return s.hub.dropAll(reason)
}

func (s *Server) StreamCount() int {
	return s.hub.count()
}

func (s *Server) Close() {
	s.jobsMu.Lock()
	for _, job := range s.jobs {
		job.timer.Stop()
	}
	s.jobsMu.Unlock()
	s.hub.dropAll("server shutting down")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/stream" && r.Method == http.MethodGet {
		s.handleStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "jobs" && parts[3] == "events" && r.Method == http.MethodGet {
		s.handleJobEvents(w, r, parts[2])
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		route = "notifications"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodPost:
		route = "notification_create"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPost:
		route = "notifications_read_all"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		route = "notification_read"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "collaborators" && r.Method == http.MethodGet:
		route = "collaborators"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "items" && r.Method == http.MethodGet:
		route = "items"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "tasks" && r.Method == http.MethodGet:
		route = "tasks"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "comments" && r.Method == http.MethodPost:
		route = "comment_create"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "exports" && r.Method == http.MethodPost:
		route = "export_create"
	case len(parts) == 5 && parts[1] == "projects" && parts[3] == "items" && parts[4] == "reorder" && r.Method == http.MethodPost:
		route = "reorder"
	case len(parts) == 5 && parts[1] == "projects" && parts[3] == "items" && r.Method == http.MethodPatch:
		route = "item_patch"
	case len(parts) == 5 && parts[1] == "projects" && parts[3] == "tasks" && r.Method == http.MethodPatch:
		route = "task_patch"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.Secret, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, s.now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	req := request{
		claims:        claims,
		correlationID: correlationID,
		sessionID:     strings.TrimSpace(r.Header.Get(restapi.SessionHeader)),
	}
	switch route {
	case "notifications":
		s.handleNotifications(w, r, req)
	case "notification_create":
		s.handleCreateNotification(w, r, req)
	case "notifications_read_all":
		s.handleMarkAllRead(w, req)
	case "notification_read":
		s.handleMarkRead(w, req, parts[2])
	case "collaborators":
		s.handleCollaborators(w, req, parts[2])
	case "items":
		s.handleItems(w, req, parts[2])
	case "tasks":
		s.handleTasks(w, req, parts[2])
	case "comment_create":
		s.handleCreateComment(w, r, req, parts[2])
	case "export_create":
		s.handleCreateExport(w, req, parts[2])
	case "reorder":
		s.handleReorder(w, r, req, parts[2])
	case "item_patch":
		s.handlePatch(w, r, req, model.RecordRef{ProjectID: parts[2], Kind: model.KindItem, ID: parts[4]})
	case "task_patch":
		s.handlePatch(w, r, req, model.RecordRef{ProjectID: parts[2], Kind: model.KindTask, ID: parts[4]})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type request struct {
	claims        tokenClaims
	correlationID string
	sessionID     string
}

// fromSession excludes the session that caused a broadcast.
func (q request) fromSession(c *streamClient) bool {
	return q.sessionID != "" && c.sessionID == q.sessionID
}

func (s *Server) handleCollaborators(w http.ResponseWriter, q request, projectID string) {
	roster, err := s.state.collaborators(projectID, q.claims.UserID)
	if err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

func (s *Server) handleItems(w http.ResponseWriter, q request, projectID string) {
	page, err := s.state.listItems(projectID, q.claims.UserID)
	if err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTasks(w http.ResponseWriter, q request, projectID string) {
	tasks, err := s.state.listTasks(projectID, q.claims.UserID)
	if err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, q request, ref model.RecordRef) {
	base, err := restapi.ParseVersion(r.Header.Get(restapi.PreconditionHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+restapi.PreconditionHeader+" header", q.correlationID)
		return
	}
	var body struct {
		Fields map[string]any `json:"fields"`
	}
	if !s.decodeJSONBody(w, r, q.correlationID, &body) {
		return
	}
	record, updates, err := s.state.patch(ref, q.claims.UserID, base, body.Fields)
	if err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}

	var frame events.Frame
	if ref.Kind == model.KindTask {
		frame = mustFrame(events.TopicTaskUpdated, events.TaskUpdated{
			ProjectID: ref.ProjectID, TaskID: ref.ID, Updates: updates, UpdatedBy: q.claims.UserID,
		})
	} else {
		frame = mustFrame(events.TopicItemUpdated, events.ItemUpdated{
			ProjectID: ref.ProjectID, ItemID: ref.ID, Updates: updates, UpdatedBy: q.claims.UserID,
		})
	}
	delivered := s.hub.broadcast(ref.ProjectID, frame, q.fromSession)
	s.logger.Debug("record patched",
		zap.String("project_id", ref.ProjectID),
		zap.String("record_id", ref.ID),
		zap.String("user_id", q.claims.UserID),
		zap.Int("delivered", delivered),
		zap.String("correlation_id", q.correlationID))
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request, q request, projectID string) {
	var body struct {
		Order []string `json:"order"`
	}
	if !s.decodeJSONBody(w, r, q.correlationID, &body) {
		return
	}
	order, summary, err := s.state.reorder(projectID, q.claims.UserID, body.Order)
	if err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}
	s.hub.broadcast(projectID, mustFrame(events.TopicBulkUpdated, events.BulkUpdated{
		ProjectID: projectID, Summary: summary, UpdatedBy: q.claims.UserID,
	}), q.fromSession)
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, q request, projectID string) {
	var body struct {
		Body string `json:"body"`
	}
	if !s.decodeJSONBody(w, r, q.correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "body: must not be empty", q.correlationID)
		return
	}
	if !s.state.canJoin(projectID, q.claims.UserID) {
		writeStateError(w, ErrForbidden, q.correlationID)
		return
	}
	comment := map[string]any{
		"id":         "cmt_" + uuid.NewString(),
		"author_id":  q.claims.UserID,
		"body":       body.Body,
		"created_at": restapi.FormatVersion(s.now()),
	}
	commentID := comment["id"].(string)
	s.hub.broadcast(projectID, mustFrame(events.TopicCommentCreated, events.CommentCreated{
		ProjectID: projectID, CommentID: commentID, Comment: comment,
	}), q.fromSession)
	for _, userID := range s.state.projectMembers(projectID) {
		if userID == q.claims.UserID {
			continue
		}
		s.Notify(userID, "comment", map[string]any{"project_id": projectID, "comment_id": commentID})
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, q request) {
	query := r.URL.Query()
	filter := model.NotificationFilter{
		UnreadOnly: parseBool(query.Get("unread"), false),
		Type:       strings.TrimSpace(query.Get("type")),
		Limit:      parseBoundedInt(query.Get("limit"), 0, 0, 500),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": s.state.listNotifications(q.claims.UserID, filter),
	})
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request, q request) {
	var body struct {
		UserID  string         `json:"user_id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, q.correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Type) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "type: must not be empty", q.correlationID)
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		userID = q.claims.UserID
	}
	writeJSON(w, http.StatusCreated, s.Notify(userID, body.Type, body.Payload))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, q request, id string) {
	if err := s.state.markRead(q.claims.UserID, id); err != nil {
		writeStateError(w, err, q.correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, q request) {
	count := s.state.markAllRead(q.claims.UserID)
	writeJSON(w, http.StatusOK, map[string]int{"updated": count})
}

func writeStateError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "version_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"current_version": restapi.FormatVersion(conflict.CurrentVersion),
		})
		return
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error(), correlationID)
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, events.ErrorCodeAccessDenied, "access denied", correlationID)
	case errors.Is(err, ErrPreconditionRequired):
		writeError(w, http.StatusPreconditionRequired, "precondition_required", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
