package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

type RecordKind string

const (
	KindItem RecordKind = "item"
	KindTask RecordKind = "task"
)

// Record is the client-side cache copy of a collaboratively edited row. UpdatedAt
// is the version the client last observed and is sent back as the write precondition.
type Record struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Kind      RecordKind     `json:"kind"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields"`
}

func (r Record) Clone() Record {
	out := r
	out.Fields = CloneFields(r.Fields)
	return out
}

func (r Record) Ref() RecordRef {
	return RecordRef{ProjectID: r.ProjectID, Kind: r.Kind, ID: r.ID}
}

type RecordRef struct {
	ProjectID string
	Kind      RecordKind
	ID        string
}

type ItemPage struct {
	Items []Record `json:"items"`
	Order []string `json:"order"`
}

type Collaborator struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Roster struct {
	ProjectID     string         `json:"project_id"`
	Collaborators []Collaborator `json:"collaborators"`
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

func (n Notification) Unread() bool {
	return n.ReadAt == nil
}

type NotificationFilter struct {
	UnreadOnly bool   `json:"unread_only,omitempty"`
	Type       string `json:"type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (f NotificationFilter) Key() string {
	var b strings.Builder
	if f.UnreadOnly {
		b.WriteString("unread")
	} else {
		b.WriteString("all")
	}
	if t := strings.TrimSpace(f.Type); t != "" {
		b.WriteString("|type=")
		b.WriteString(t)
	}
	if f.Limit > 0 {
		b.WriteString("|limit=")
		b.WriteString(strconv.Itoa(f.Limit))
	}
	return b.String()
}

// SortNotifications orders newest first; ties fall back to id for a stable listing.
func SortNotifications(items []Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

func CloneNotifications(in []Notification) []Notification {
	out := make([]Notification, len(in))
	for i, n := range in {
		out[i] = n
		if n.Payload != nil {
			out[i].Payload = CloneFields(n.Payload)
		}
		if n.ReadAt != nil {
			readAt := *n.ReadAt
			out[i].ReadAt = &readAt
		}
	}
	return out
}

func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
