package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/events"
)

// JobStream follows the one-way server-sent event feed of a long running job
// (exports, imports) and hands each event to deliver as a job:* frame.
type JobStream struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

func NewJobStream(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *JobStream {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStream{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		token:      strings.TrimSpace(token),
	}
}

func (s *JobStream) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Follow blocks until the job completes, the server closes the stream or ctx
// ends. It returns nil once a completed event has been delivered.
func (s *JobStream) Follow(ctx context.Context, jobID string, deliver func(events.Frame)) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	target := fmt.Sprintf("%s/v1/jobs/%s/events?%s", s.baseURL, url.PathEscape(jobID), url.Values{"token": {token}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthRejected
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job stream %s: http %d", jobID, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "" && data.Len() == 0 {
				continue
			}
			frame, ok := jobFrame(jobID, eventName, data.String())
			eventName = ""
			data.Reset()
			if !ok {
				s.logger.Debug("ignoring job stream event", zap.String("job_id", jobID))
				continue
			}
			if deliver != nil {
				deliver(frame)
			}
			if events.Topic(frame.Event) == events.TopicJobCompleted {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: job stream %s ended before completion", ErrConnectionLost, jobID)
}

func jobFrame(jobID, name, raw string) (events.Frame, bool) {
	var topic events.Topic
	switch name {
	case "started":
		topic = events.TopicJobStarted
	case "completed":
		topic = events.TopicJobCompleted
	default:
		return events.Frame{}, false
	}
	payload := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return events.Frame{}, false
		}
	}
	if id, _ := payload["job_id"].(string); id == "" {
		payload["job_id"] = jobID
	}
	frame, err := events.NewFrame(topic, payload)
	if err != nil {
		return events.Frame{}, false
	}
	return frame, true
}
