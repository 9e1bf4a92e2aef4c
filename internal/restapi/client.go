package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/boqsync/internal/model"
)

// PreconditionHeader carries the record version a write was based on.
const PreconditionHeader = "If-Unmodified-Since"

const SessionHeader = "X-Session-Id"

var ErrConflict = errors.New("version conflict")

type ConflictError struct {
	Resource       string
	CurrentVersion string
}

func (e *ConflictError) Error() string {
	if e.Resource == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for %s", e.Resource)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu        sync.RWMutex
	token     string
	sessionID string
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// SetSessionID tags every request so the server can skip echoing broadcasts back
// to the stream connection of the session that caused them.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = strings.TrimSpace(id)
	c.mu.Unlock()
}

func (c *Client) ListCollaborators(ctx context.Context, projectID string) (model.Roster, error) {
	var out model.Roster
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/projects/%s/collaborators", url.PathEscape(projectID)), nil, nil, &out)
	if out.ProjectID == "" {
		out.ProjectID = projectID
	}
	return out, err
}

func (c *Client) ListItems(ctx context.Context, projectID string) (model.ItemPage, error) {
	var out model.ItemPage
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/projects/%s/items", url.PathEscape(projectID)), nil, nil, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context, projectID string) ([]model.Record, error) {
	var out struct {
		Tasks []model.Record `json:"tasks"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/projects/%s/tasks", url.PathEscape(projectID)), nil, nil, &out)
	for i := range out.Tasks {
		if out.Tasks[i].ProjectID == "" {
			out.Tasks[i].ProjectID = projectID
		}
		out.Tasks[i].Kind = model.KindTask
	}
	return out.Tasks, err
}

func (c *Client) PatchRecord(ctx context.Context, ref model.RecordRef, baseVersion time.Time, changes map[string]any) (model.Record, error) {
	collection := "items"
	if ref.Kind == model.KindTask {
		collection = "tasks"
	}
	headers := map[string]string{
		PreconditionHeader: FormatVersion(baseVersion),
	}
	body := map[string]any{
		"fields": changes,
	}
	var out model.Record
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/v1/projects/%s/%s/%s", url.PathEscape(ref.ProjectID), collection, url.PathEscape(ref.ID)), headers, body, &out)
	return out, err
}

func (c *Client) Reorder(ctx context.Context, projectID string, order []string) ([]string, error) {
	var out struct {
		Order []string `json:"order"`
	}
	body := map[string]any{
		"order": order,
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/projects/%s/items/reorder", url.PathEscape(projectID)), nil, body, &out)
	return out.Order, err
}

// CreateComment posts a comment; the server fans it out as comment:created and
// notifies the other collaborators.
func (c *Client) CreateComment(ctx context.Context, projectID, body string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/projects/%s/comments", url.PathEscape(projectID)), nil, map[string]any{"body": body}, &out)
	return out, err
}

func (c *Client) ListNotifications(ctx context.Context, filter model.NotificationFilter) ([]model.Notification, error) {
	q := url.Values{}
	if filter.UnreadOnly {
		q.Set("unread", "true")
	}
	if t := strings.TrimSpace(filter.Type); t != "" {
		q.Set("type", t)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/notifications"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Notifications []model.Notification `json:"notifications"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	return out.Notifications, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/notifications/%s/read", url.PathEscape(id)), nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/notifications/read-all", nil, nil, nil)
}

func (c *Client) CreateExport(ctx context.Context, projectID string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/projects/%s/exports", url.PathEscape(projectID)), nil, nil, &out)
	return out.JobID, err
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	c.mu.RLock()
	token, sessionID := c.token, c.sessionID
	c.mu.RUnlock()

	// Writes carry a version precondition and are never replayed here; callers
	// decide whether a failed mutation is worth another attempt.
	retryable := method == http.MethodGet
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if sessionID != "" {
			req.Header.Set(SessionHeader, sessionID)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code           string `json:"code"`
			Message        string `json:"message"`
			CurrentVersion string `json:"current_version"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
			return &ConflictError{Resource: requestPath, CurrentVersion: errPayload.CurrentVersion}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// FormatVersion renders a record version for the precondition header. Nanosecond
// precision is kept; second-granular HTTP dates would let same-second edits slip by.
func FormatVersion(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseVersion(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func correlationID() string {
	return "boq_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
