package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/restapi"
	"github.com/agentworkforce/boqsync/internal/transport"
)

type fakeStream struct {
	mu        sync.Mutex
	connected bool
	sent      []events.Frame
	onSend    func(events.Frame)
	observers []func(transport.StateChange)
}

func (s *fakeStream) Send(_ context.Context, frame events.Frame) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	s.sent = append(s.sent, frame)
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(frame)
	}
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) OnStateChange(fn func(transport.StateChange)) func() {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeStream) setState(state transport.State) {
	s.mu.Lock()
	s.connected = state == transport.StateConnected
	observers := append([]func(transport.StateChange){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(transport.StateChange{State: state})
	}
}

func (s *fakeStream) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, frame := range s.sent {
		if frame.Event == string(events.TopicJoinProject) {
			count++
		}
	}
	return count
}

type fakeRoster struct {
	rosters map[string]model.Roster
	errs    map[string]error
}

func (f *fakeRoster) ListCollaborators(_ context.Context, projectID string) (model.Roster, error) {
	if err := f.errs[projectID]; err != nil {
		return model.Roster{}, err
	}
	return f.rosters[projectID], nil
}

func projectOf(frame events.Frame) string {
	var ref events.ProjectRef
	_ = json.Unmarshal(frame.Data, &ref)
	return ref.ProjectID
}

func newFixture(t *testing.T, timeout time.Duration) (*Tracker, *fakeStream, *events.Router) {
	t.Helper()
	router := events.NewRouter(nil)
	stream := &fakeStream{connected: true}
	roster := &fakeRoster{
		rosters: map[string]model.Roster{
			"prj_1": {ProjectID: "prj_1", Collaborators: []model.Collaborator{
				{UserID: "u_1", Name: "Ada"},
				{UserID: "u_2", Name: "Grace"},
				{UserID: "u_3", Name: "Linus"},
			}},
			"prj_2": {ProjectID: "prj_2", Collaborators: []model.Collaborator{{UserID: "u_1", Name: "Ada"}}},
		},
		errs: map[string]error{
			"prj_forbidden": &restapi.HTTPError{StatusCode: http.StatusForbidden, Code: "forbidden"},
		},
	}
	tracker, err := NewTracker(Options{Stream: stream, Roster: roster, Router: router, JoinTimeout: timeout})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(tracker.Close)
	return tracker, stream, router
}

func ackJoins(router *events.Router, online ...string) func(events.Frame) {
	return func(frame events.Frame) {
		if frame.Event != string(events.TopicJoinProject) {
			return
		}
		router.Dispatch(events.JoinedProject{ProjectID: projectOf(frame), OnlineUserIDs: online})
	}
}

func memberIDs(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.UserID)
	}
	return out
}

func TestJoinSeedsPresenceFromRosterOnly(t *testing.T) {
	tracker, stream, router := newFixture(t, time.Second)
	stream.onSend = ackJoins(router, "u_1", "u_stranger")

	if err := tracker.Join(context.Background(), "prj_1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := memberIDs(tracker.Online("prj_1")); len(got) != 1 || got[0] != "u_1" {
		t.Fatalf("expected only rostered users online, got %v", got)
	}

	router.Dispatch(events.UserJoined{UserID: "u_2", ProjectID: "prj_1"})
	router.Dispatch(events.UserJoined{UserID: "u_ghost", ProjectID: "prj_1"})
	router.Dispatch(events.UserJoined{UserID: "u_3", ProjectID: "prj_other"})
	got := memberIDs(tracker.Online("prj_1"))
	if len(got) != 2 || got[0] != "u_1" || got[1] != "u_2" {
		t.Fatalf("expected u_1 and u_2 online, got %v", got)
	}

	router.Dispatch(events.UserLeft{UserID: "u_1", ProjectID: "prj_1"})
	got = memberIDs(tracker.Online("prj_1"))
	if len(got) != 1 || got[0] != "u_2" {
		t.Fatalf("expected u_2 online after u_1 left, got %v", got)
	}
}

func TestJoinAccessDeniedAddsNoPresence(t *testing.T) {
	tracker, stream, router := newFixture(t, time.Second)
	stream.onSend = func(frame events.Frame) {
		router.Dispatch(events.ErrorEvent{Message: "no access", Code: events.ErrorCodeAccessDenied, ProjectID: projectOf(frame)})
	}

	err := tracker.Join(context.Background(), "prj_2")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if tracker.Current() != "" {
		t.Fatalf("denied project must not become current")
	}
	router.Dispatch(events.UserJoined{UserID: "u_1", ProjectID: "prj_2"})
	if members := tracker.Online("prj_2"); len(members) != 0 {
		t.Fatalf("expected no presence entries, got %v", memberIDs(members))
	}
}

func TestJoinForbiddenRosterIsAccessDenied(t *testing.T) {
	tracker, stream, _ := newFixture(t, time.Second)
	err := tracker.Join(context.Background(), "prj_forbidden")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if stream.joinCount() != 0 {
		t.Fatalf("join_project must not be sent when the roster is forbidden")
	}
}

func TestJoinTimesOutWithoutAck(t *testing.T) {
	tracker, _, _ := newFixture(t, 30*time.Millisecond)
	err := tracker.Join(context.Background(), "prj_1")
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
	if tracker.Current() != "" {
		t.Fatalf("timed out join must not stay current")
	}
}

func TestDisconnectRejectsPendingJoin(t *testing.T) {
	tracker, stream, _ := newFixture(t, 5*time.Second)
	sent := make(chan struct{}, 1)
	stream.onSend = func(events.Frame) { sent <- struct{}{} }

	result := make(chan error, 1)
	go func() { result <- tracker.Join(context.Background(), "prj_1") }()
	<-sent
	stream.setState(transport.StateReconnecting)

	select {
	case err := <-result:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending join was not rejected")
	}
}

func TestReconnectRejoinsCurrentRoom(t *testing.T) {
	tracker, stream, router := newFixture(t, time.Second)
	stream.onSend = ackJoins(router, "u_1", "u_2")
	if err := tracker.Join(context.Background(), "prj_1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	stream.setState(transport.StateReconnecting)
	if members := tracker.Online("prj_1"); len(members) != 0 {
		t.Fatalf("expected presence cleared while reconnecting, got %v", memberIDs(members))
	}
	if tracker.Current() != "prj_1" {
		t.Fatalf("room membership must survive a reconnect")
	}

	changed := make(chan []Member, 4)
	tracker.OnChange(func(projectID string, members []Member) {
		if len(members) > 0 {
			changed <- members
		}
	})
	stream.setState(transport.StateConnected)
	select {
	case members := <-changed:
		if len(members) != 2 {
			t.Fatalf("expected presence restored, got %v", memberIDs(members))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tracker did not rejoin after reconnect")
	}
	if stream.joinCount() != 2 {
		t.Fatalf("expected a second join_project, got %d", stream.joinCount())
	}
}

func TestSwitchingRoomsReplacesPresence(t *testing.T) {
	tracker, stream, router := newFixture(t, time.Second)
	stream.onSend = ackJoins(router, "u_1", "u_2")
	if err := tracker.Join(context.Background(), "prj_1"); err != nil {
		t.Fatalf("join prj_1: %v", err)
	}
	if err := tracker.Join(context.Background(), "prj_2"); err != nil {
		t.Fatalf("join prj_2: %v", err)
	}
	if tracker.Online("prj_1") != nil {
		t.Fatalf("previous room presence must be dropped")
	}
	if got := memberIDs(tracker.Online("prj_2")); len(got) != 1 || got[0] != "u_1" {
		t.Fatalf("expected only rostered u_1 in prj_2, got %v", got)
	}
	router.Dispatch(events.UserJoined{UserID: "u_3", ProjectID: "prj_1"})
	if tracker.Online("prj_1") != nil {
		t.Fatalf("events for the old room must be ignored")
	}

	if err := tracker.Leave(context.Background(), "prj_2"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if tracker.Current() != "" {
		t.Fatalf("expected no current room after leave")
	}
}
