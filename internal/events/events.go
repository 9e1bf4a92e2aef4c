package events

import (
	"encoding/json"
	"time"
)

type Topic string

const (
	TopicJoinProject  Topic = "join_project"
	TopicLeaveProject Topic = "leave_project"
	TopicPing         Topic = "ping"

	TopicConnected       Topic = "connected"
	TopicJoinedProject   Topic = "joined_project"
	TopicError           Topic = "error"
	TopicUserJoined      Topic = "user:joined"
	TopicUserLeft        Topic = "user:left"
	TopicItemUpdated     Topic = "boq:item:updated"
	TopicBulkUpdated     Topic = "boq:bulk:updated"
	TopicTaskUpdated     Topic = "task:updated"
	TopicCommentCreated  Topic = "comment:created"
	TopicNotificationNew Topic = "notification:new"

	TopicJobStarted   Topic = "job:started"
	TopicJobCompleted Topic = "job:completed"
)

const (
	ErrorCodeAuthRejected = "auth_rejected"
	ErrorCodeAccessDenied = "access_denied"
)

// Frame is one JSON text message on the stream: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(topic Topic, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: string(topic)}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: string(topic), Data: raw}, nil
}

// Event is implemented by every decoded stream payload. Scope is the project id
// for room events, the job id for job events and empty for global ones.
type Event interface {
	Topic() Topic
	Scope() string
}

type ProjectRef struct {
	ProjectID string `json:"project_id"`
}

type Connected struct {
	UserID string `json:"user_id"`
}

func (Connected) Topic() Topic { return TopicConnected }
func (Connected) Scope() string { return "" }

type JoinedProject struct {
	ProjectID     string   `json:"project_id"`
	OnlineUserIDs []string `json:"online_user_ids,omitempty"`
}

func (JoinedProject) Topic() Topic { return TopicJoinedProject }
func (e JoinedProject) Scope() string { return e.ProjectID }

type ErrorEvent struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

func (ErrorEvent) Topic() Topic { return TopicError }
func (e ErrorEvent) Scope() string { return e.ProjectID }

type UserJoined struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

func (UserJoined) Topic() Topic { return TopicUserJoined }
func (e UserJoined) Scope() string { return e.ProjectID }

type UserLeft struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

func (UserLeft) Topic() Topic { return TopicUserLeft }
func (e UserLeft) Scope() string { return e.ProjectID }

type ItemUpdated struct {
	ProjectID string         `json:"project_id"`
	ItemID    string         `json:"item_id"`
	Updates   map[string]any `json:"updates"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

func (ItemUpdated) Topic() Topic { return TopicItemUpdated }
func (e ItemUpdated) Scope() string { return e.ProjectID }

type BulkSummary struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

type BulkUpdated struct {
	ProjectID string      `json:"project_id"`
	Summary   BulkSummary `json:"summary"`
	UpdatedBy string      `json:"updated_by,omitempty"`
}

func (BulkUpdated) Topic() Topic { return TopicBulkUpdated }
func (e BulkUpdated) Scope() string { return e.ProjectID }

type TaskUpdated struct {
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id"`
	Updates   map[string]any `json:"updates"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

func (TaskUpdated) Topic() Topic { return TopicTaskUpdated }
func (e TaskUpdated) Scope() string { return e.ProjectID }

type CommentCreated struct {
	ProjectID string         `json:"project_id"`
	CommentID string         `json:"comment_id"`
	Comment   map[string]any `json:"comment,omitempty"`
}

func (CommentCreated) Topic() Topic { return TopicCommentCreated }
func (e CommentCreated) Scope() string { return e.ProjectID }

type NotificationNew struct {
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Type      string         `json:"type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
}

func (NotificationNew) Topic() Topic { return TopicNotificationNew }
func (NotificationNew) Scope() string { return "" }

type JobStarted struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

func (JobStarted) Topic() Topic { return TopicJobStarted }
func (e JobStarted) Scope() string { return e.JobID }

type JobCompleted struct {
	JobID       string `json:"job_id"`
	ProjectID   string `json:"project_id,omitempty"`
	Status      string `json:"status,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (JobCompleted) Topic() Topic { return TopicJobCompleted }
func (e JobCompleted) Scope() string { return e.JobID }
