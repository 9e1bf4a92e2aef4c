package devhub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/mutation"
	"github.com/agentworkforce/boqsync/internal/restapi"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrPreconditionRequired = errors.New("missing If-Unmodified-Since header")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type VersionConflictError struct {
	CurrentVersion time.Time
}

func (e *VersionConflictError) Error() string {
	return "record was modified since " + restapi.FormatVersion(e.CurrentVersion)
}

var (
	itemFields = map[string]bool{
		"code": true, "section": true, "description": true, "unit": true,
		"quantity": true, "unit_price": true, "notes": true,
	}
	taskFields = map[string]bool{
		"title": true, "status": true, "assignee_id": true, "due_date": true, "notes": true,
	}
	taskStatuses = map[string]bool{"todo": true, "in_progress": true, "blocked": true, "done": true}
)

// ProjectSeed describes a project loaded into the hub before clients connect.
type ProjectSeed struct {
	ID            string
	Collaborators []model.Collaborator
	Items         []model.Record
	Tasks         []model.Record
}

type projectState struct {
	id            string
	collaborators []model.Collaborator
	members       map[string]bool
	records       map[string]model.Record
	order         []string
}

type state struct {
	now func() time.Time

	mu            sync.Mutex
	projects      map[string]*projectState
	notifications map[string][]model.Notification
	lastVersion   time.Time
}

func newState(now func() time.Time) *state {
	return &state{
		now:           now,
		projects:      map[string]*projectState{},
		notifications: map[string][]model.Notification{},
	}
}

func (s *state) seed(seed ProjectSeed) error {
	projectID := strings.TrimSpace(seed.ID)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[projectID]; exists {
		return fmt.Errorf("project %s already seeded", projectID)
	}
	project := &projectState{
		id:            projectID,
		collaborators: append([]model.Collaborator(nil), seed.Collaborators...),
		members:       map[string]bool{},
		records:       map[string]model.Record{},
	}
	for _, c := range seed.Collaborators {
		project.members[c.UserID] = true
	}
	add := func(kind model.RecordKind, record model.Record) {
		record = record.Clone()
		record.ProjectID = projectID
		record.Kind = kind
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = s.nextVersionLocked()
		}
		mutation.DefaultDeriver(kind, record.Fields)
		project.records[record.ID] = record
	}
	for _, item := range seed.Items {
		add(model.KindItem, item)
		project.order = append(project.order, item.ID)
	}
	for _, task := range seed.Tasks {
		add(model.KindTask, task)
	}
	s.projects[projectID] = project
	return nil
}

// nextVersionLocked returns a strictly increasing timestamp so two writes in
// the same clock tick still get distinct versions.
func (s *state) nextVersionLocked() time.Time {
	v := s.now().UTC()
	if !v.After(s.lastVersion) {
		v = s.lastVersion.Add(time.Microsecond)
	}
	s.lastVersion = v
	return v
}

func (s *state) projectLocked(projectID, userID string) (*projectState, error) {
	project, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	if !project.members[userID] {
		return nil, ErrForbidden
	}
	return project, nil
}

func (s *state) canJoin(projectID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.projectLocked(projectID, userID)
	return err == nil
}

func (s *state) collaborators(projectID, userID string) (model.Roster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.projectLocked(projectID, userID)
	if err != nil {
		return model.Roster{}, err
	}
	return model.Roster{
		ProjectID:     projectID,
		Collaborators: append([]model.Collaborator(nil), project.collaborators...),
	}, nil
}

func (s *state) projectMembers(projectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(project.members))
	for userID := range project.members {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (s *state) listItems(projectID, userID string) (model.ItemPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.projectLocked(projectID, userID)
	if err != nil {
		return model.ItemPage{}, err
	}
	page := model.ItemPage{
		Items: make([]model.Record, 0, len(project.order)),
		Order: append([]string(nil), project.order...),
	}
	for _, id := range project.order {
		page.Items = append(page.Items, project.records[id].Clone())
	}
	return page, nil
}

func (s *state) listTasks(projectID, userID string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.projectLocked(projectID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0)
	for _, record := range project.records {
		if record.Kind == model.KindTask {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// patch applies changes when base matches the record's current version. It
// returns the stored record and the field updates to broadcast.
func (s *state) patch(ref model.RecordRef, userID string, base time.Time, changes map[string]any) (model.Record, map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.projectLocked(ref.ProjectID, userID)
	if err != nil {
		return model.Record{}, nil, err
	}
	record, ok := project.records[ref.ID]
	if !ok || record.Kind != ref.Kind {
		return model.Record{}, nil, ErrNotFound
	}
	if base.IsZero() {
		return model.Record{}, nil, ErrPreconditionRequired
	}
	if !base.Equal(record.UpdatedAt) {
		return model.Record{}, nil, &VersionConflictError{CurrentVersion: record.UpdatedAt}
	}
	if err := validateChanges(ref.Kind, changes); err != nil {
		return model.Record{}, nil, err
	}

	record = record.Clone()
	updates := make(map[string]any, len(changes)+2)
	for key, value := range changes {
		record.Fields[key] = model.CloneValue(value)
		updates[key] = model.CloneValue(value)
	}
	mutation.DefaultDeriver(ref.Kind, record.Fields)
	if total, ok := record.Fields["total"]; ok && ref.Kind == model.KindItem {
		updates["total"] = total
	}
	record.UpdatedAt = s.nextVersionLocked()
	updates["updated_at"] = restapi.FormatVersion(record.UpdatedAt)
	project.records[ref.ID] = record
	return record.Clone(), updates, nil
}

func validateChanges(kind model.RecordKind, changes map[string]any) error {
	if len(changes) == 0 {
		return &ValidationError{Field: "fields", Message: "no changes"}
	}
	allowed := itemFields
	if kind == model.KindTask {
		allowed = taskFields
	}
	for key, value := range changes {
		if !allowed[key] {
			return &ValidationError{Field: key, Message: "field is not writable"}
		}
		switch key {
		case "quantity", "unit_price":
			n, ok := mutation.Number(value)
			if !ok {
				return &ValidationError{Field: key, Message: "must be a number"}
			}
			if n < 0 {
				return &ValidationError{Field: key, Message: "must not be negative"}
			}
		case "status":
			status, _ := value.(string)
			if !taskStatuses[status] {
				return &ValidationError{Field: key, Message: "unknown status"}
			}
		}
	}
	return nil
}

// reorder replaces the item ordering. order must list every item exactly once.
func (s *state) reorder(projectID, userID string, order []string) ([]string, events.BulkSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.projectLocked(projectID, userID)
	if err != nil {
		return nil, events.BulkSummary{}, err
	}
	if len(order) != len(project.order) {
		return nil, events.BulkSummary{}, &ValidationError{Field: "order", Message: "must list every item exactly once"}
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		record, ok := project.records[id]
		if !ok || record.Kind != model.KindItem || seen[id] {
			return nil, events.BulkSummary{}, &ValidationError{Field: "order", Message: "must list every item exactly once"}
		}
		seen[id] = true
	}
	summary := events.BulkSummary{Total: len(order)}
	for i, id := range order {
		if project.order[i] != id {
			summary.Updated++
		} else {
			summary.Skipped++
		}
	}
	project.order = append([]string(nil), order...)
	return append([]string(nil), order...), summary, nil
}

func (s *state) listNotifications(userID string, filter model.NotificationFilter) []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Notification, 0)
	for _, n := range s.notifications[userID] {
		if filter.UnreadOnly && !n.Unread() {
			continue
		}
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		out = append(out, n)
	}
	out = model.CloneNotifications(out)
	model.SortNotifications(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *state) createNotification(userID, kind string, payload map[string]any) model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := model.Notification{
		ID:        "ntf_" + uuid.NewString(),
		UserID:    userID,
		Type:      kind,
		Payload:   model.CloneFields(payload),
		CreatedAt: s.nextVersionLocked(),
	}
	s.notifications[userID] = append(s.notifications[userID], n)
	return model.CloneNotifications([]model.Notification{n})[0]
}

func (s *state) markRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifications[userID]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if list[i].ReadAt == nil {
			readAt := s.now().UTC()
			list[i].ReadAt = &readAt
		}
		return nil
	}
	return ErrNotFound
}

func (s *state) markAllRead(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	readAt := s.now().UTC()
	count := 0
	for i := range s.notifications[userID] {
		if s.notifications[userID][i].ReadAt == nil {
			at := readAt
			s.notifications[userID][i].ReadAt = &at
			count++
		}
	}
	return count
}
