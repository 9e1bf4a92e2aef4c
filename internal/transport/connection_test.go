package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/boqsync/internal/events"
)

type fakeStream struct {
	t *testing.T

	mu        sync.Mutex
	accepts   int
	tokens    []string
	reject    bool
	failAfter int
	failFirst int

	conns    chan *websocket.Conn
	received chan events.Frame
}

func newFakeStream(t *testing.T) *fakeStream {
	return &fakeStream{
		t:        t,
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan events.Frame, 32),
	}
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.accepts++
	n := f.accepts
	f.tokens = append(f.tokens, r.URL.Query().Get("token"))
	reject := f.reject
	fail := (f.failAfter > 0 && n > f.failAfter) || n <= f.failFirst
	f.mu.Unlock()

	if fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}
	ctx := r.Context()
	if reject {
		frame, _ := events.NewFrame(events.TopicError, events.ErrorEvent{Message: "bad token", Code: events.ErrorCodeAuthRejected})
		_ = wsjson.Write(ctx, conn, frame)
		_ = conn.Close(StatusAuthRejected, "auth rejected")
		return
	}
	frame, _ := events.NewFrame(events.TopicConnected, events.Connected{UserID: "u_1"})
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return
	}
	f.conns <- conn
	for {
		var in events.Frame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		f.received <- in
	}
}

func (f *fakeStream) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fakeStream) token(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.tokens) {
		return ""
	}
	return f.tokens[i]
}

func (f *fakeStream) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatalf("server never saw a connection")
		return nil
	}
}

func newTestConnection(t *testing.T, rawURL string) (*Connection, chan StateChange) {
	t.Helper()
	conn, err := New(Options{
		URL:                  rawURL,
		InitialBackoff:       10 * time.Millisecond,
		MaxBackoff:           40 * time.Millisecond,
		MaxReconnectAttempts: 3,
		KeepaliveInterval:    time.Hour,
		HandshakeTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	changes := make(chan StateChange, 32)
	conn.OnStateChange(func(change StateChange) { changes <- change })
	return conn, changes
}

func waitForState(t *testing.T, changes <-chan StateChange, want State) StateChange {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case change := <-changes:
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
			return StateChange{}
		}
	}
}

func TestConnectHandshakeCarriesTokenAndDeliversFrames(t *testing.T) {
	stream := newFakeStream(t)
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL+"/v1/stream")
	defer conn.Disconnect()
	frames := make(chan events.Frame, 4)
	conn.OnFrame(func(frame events.Frame) { frames <- frame })

	if err := conn.Connect(context.Background(), "tok_123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !conn.IsConnected() || conn.UserID() != "u_1" {
		t.Fatalf("expected connected as u_1, state=%s user=%s", conn.State(), conn.UserID())
	}
	waitForState(t, changes, StateConnected)
	if got := stream.token(0); got != "tok_123" {
		t.Fatalf("expected token query parameter, got %q", got)
	}

	serverConn := stream.nextConn(t)
	push, _ := events.NewFrame(events.TopicUserJoined, events.UserJoined{UserID: "u_2", ProjectID: "prj_1"})
	if err := wsjson.Write(context.Background(), serverConn, push); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case frame := <-frames:
		if frame.Event != string(events.TopicUserJoined) {
			t.Fatalf("unexpected frame %s", frame.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("frame never delivered")
	}

	join, _ := events.NewFrame(events.TopicJoinProject, events.ProjectRef{ProjectID: "prj_1"})
	if err := conn.Send(context.Background(), join); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-stream.received:
		var ref events.ProjectRef
		_ = json.Unmarshal(frame.Data, &ref)
		if frame.Event != "join_project" || ref.ProjectID != "prj_1" {
			t.Fatalf("unexpected frame at server %s %s", frame.Event, frame.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received join")
	}
}

func TestConnectAuthRejectedIsTerminal(t *testing.T) {
	stream := newFakeStream(t)
	stream.reject = true
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	err := conn.Connect(context.Background(), "expired")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	change := waitForState(t, changes, StateDisconnected)
	if !errors.Is(change.Err, ErrAuthRejected) {
		t.Fatalf("expected observers to see ErrAuthRejected, got %v", change.Err)
	}
	time.Sleep(100 * time.Millisecond)
	if stream.acceptCount() != 1 {
		t.Fatalf("auth rejection must not be retried, saw %d dials", stream.acceptCount())
	}
	if err := conn.Send(context.Background(), events.Frame{Event: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectRetriesFailedFirstDial(t *testing.T) {
	stream := newFakeStream(t)
	stream.failFirst = 2
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	defer conn.Disconnect()
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	retry := waitForState(t, changes, StateReconnecting)
	if retry.Err == nil {
		t.Fatalf("expected the dial error on the retry transition")
	}
	waitForState(t, changes, StateConnected)
	if got := stream.acceptCount(); got != 3 {
		t.Fatalf("expected 2 failed dials and 1 success, got %d", got)
	}
	if stream.token(2) != "tok" {
		t.Fatalf("expected retried dial to carry the token, got %q", stream.token(2))
	}
	if !conn.IsConnected() {
		t.Fatalf("expected connected after retry")
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	stream := newFakeStream(t)
	stream.failFirst = 100
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	err := conn.Connect(context.Background(), "tok")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	change := waitForState(t, changes, StateDisconnected)
	if !errors.Is(change.Err, ErrConnectionFailed) {
		t.Fatalf("expected observers to see ErrConnectionFailed, got %v", change.Err)
	}
	if got := stream.acceptCount(); got != 4 {
		t.Fatalf("expected 1 dial plus 3 retries, got %d", got)
	}
}

func TestConnectStopsRetryingWhenContextEnds(t *testing.T) {
	stream := newFakeStream(t)
	stream.failFirst = 100
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, err := New(Options{
		URL:                  server.URL,
		InitialBackoff:       time.Second,
		MaxReconnectAttempts: 5,
		KeepaliveInterval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := conn.Connect(ctx, "tok"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if got := stream.acceptCount(); got != 1 {
		t.Fatalf("expected a single dial before the deadline, got %d", got)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", conn.State())
	}
}

func TestCloseWithAuthStatusStopsReconnect(t *testing.T) {
	stream := newFakeStream(t)
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	defer conn.Disconnect()
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	serverConn := stream.nextConn(t)
	_ = serverConn.Close(StatusAuthRejected, "token revoked")

	change := waitForState(t, changes, StateDisconnected)
	if !errors.Is(change.Err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", change.Err)
	}
	if stream.acceptCount() != 1 {
		t.Fatalf("expected no reconnect after revocation, saw %d dials", stream.acceptCount())
	}
}

func TestReconnectsAfterDropAndKeepsObservers(t *testing.T) {
	stream := newFakeStream(t)
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	defer conn.Disconnect()
	frames := make(chan events.Frame, 4)
	conn.OnFrame(func(frame events.Frame) { frames <- frame })

	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, changes, StateConnected)
	first := stream.nextConn(t)
	_ = first.Close(websocket.StatusGoingAway, "restart")

	lost := waitForState(t, changes, StateReconnecting)
	if !errors.Is(lost.Err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", lost.Err)
	}
	waitForState(t, changes, StateConnected)
	second := stream.nextConn(t)

	push, _ := events.NewFrame(events.TopicUserLeft, events.UserLeft{UserID: "u_2", ProjectID: "prj_1"})
	if err := wsjson.Write(context.Background(), second, push); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case frame := <-frames:
		if frame.Event != string(events.TopicUserLeft) {
			t.Fatalf("unexpected frame %s", frame.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("observer registered before the drop did not receive frames after reconnect")
	}
}

func TestReconnectExhaustionReportsConnectionFailed(t *testing.T) {
	stream := newFakeStream(t)
	stream.failAfter = 1
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	defer conn.Disconnect()
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, changes, StateConnected)
	_ = stream.nextConn(t).Close(websocket.StatusGoingAway, "bye")

	change := waitForState(t, changes, StateDisconnected)
	if !errors.Is(change.Err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", change.Err)
	}
	if got := stream.acceptCount(); got != 4 {
		t.Fatalf("expected 1 dial plus 3 reconnect attempts, got %d", got)
	}
	if conn.IsConnected() {
		t.Fatalf("expected not connected after exhaustion")
	}
}

func TestDisconnectIsSafeState(t *testing.T) {
	stream := newFakeStream(t)
	server := httptest.NewServer(stream)
	defer server.Close()

	conn, changes := newTestConnection(t, server.URL)
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected before connect")
	}
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, changes, StateConnected)
	conn.Disconnect()
	waitForState(t, changes, StateDisconnected)
	conn.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if stream.acceptCount() != 1 {
		t.Fatalf("explicit disconnect must not reconnect")
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := backoffDelay(time.Second, 5*time.Second, i+1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := New(Options{URL: "ftp://example.com"}); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}
