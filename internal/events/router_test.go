package events

import (
	"errors"
	"testing"
)

func TestDecodeReturnsTaggedEvents(t *testing.T) {
	event, err := Decode(Frame{
		Event: "boq:item:updated",
		Data:  []byte(`{"project_id":"prj_1","item_id":"item_1","updates":{"quantity":12,"updated_at":"2026-05-04T10:00:00Z"},"updated_by":"u_2"}`),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	item, ok := event.(ItemUpdated)
	if !ok {
		t.Fatalf("expected ItemUpdated, got %T", event)
	}
	if item.Scope() != "prj_1" || item.ItemID != "item_1" || item.Updates["quantity"] != 12.0 {
		t.Fatalf("unexpected decoded event %+v", item)
	}

	bulk, err := Decode(Frame{Event: "boq:bulk:updated", Data: []byte(`{"project_id":"prj_1","summary":{"total":3,"updated":2,"skipped":1}}`)})
	if err != nil {
		t.Fatalf("decode bulk: %v", err)
	}
	if got := bulk.(BulkUpdated).Summary; got.Total != 3 || got.Updated != 2 || got.Skipped != 1 {
		t.Fatalf("unexpected bulk summary %+v", got)
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := []Frame{
		{Event: "user:joined", Data: []byte(`{"project_id":"prj_1"}`)},
		{Event: "boq:item:updated", Data: []byte(`{"project_id":"prj_1","item_id":"i","updates":"nope"}`)},
		{Event: "boq:bulk:updated", Data: []byte(`{"project_id":"prj_1","summary":{"total":-1,"updated":0,"skipped":0}}`)},
		{Event: "connected", Data: []byte(`not json`)},
	}
	for _, frame := range cases {
		if _, err := Decode(frame); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %s %s, got %v", frame.Event, frame.Data, err)
		}
	}
	if _, err := Decode(Frame{Event: "mystery"}); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestRouterFiltersByScope(t *testing.T) {
	router := NewRouter(nil)
	var scoped, global []string
	router.Subscribe(TopicUserJoined, "prj_1", func(e Event) {
		scoped = append(scoped, e.(UserJoined).UserID)
	})
	router.Subscribe(TopicUserJoined, "", func(e Event) {
		global = append(global, e.(UserJoined).UserID)
	})

	router.Dispatch(UserJoined{UserID: "u_1", ProjectID: "prj_1"})
	router.Dispatch(UserJoined{UserID: "u_2", ProjectID: "prj_2"})

	if len(scoped) != 1 || scoped[0] != "u_1" {
		t.Fatalf("scoped handler saw %v", scoped)
	}
	if len(global) != 2 {
		t.Fatalf("global handler saw %v", global)
	}
}

func TestRouterPreservesOrderAndRegistration(t *testing.T) {
	router := NewRouter(nil)
	var seen []string
	router.Subscribe(TopicTaskUpdated, "prj_1", func(e Event) { seen = append(seen, "a:"+e.(TaskUpdated).TaskID) })
	router.Subscribe(TopicTaskUpdated, "prj_1", func(e Event) { seen = append(seen, "b:"+e.(TaskUpdated).TaskID) })

	router.HandleFrame(Frame{Event: "task:updated", Data: []byte(`{"project_id":"prj_1","task_id":"t1","updates":{}}`)})
	router.HandleFrame(Frame{Event: "task:updated", Data: []byte(`{"project_id":"prj_1","task_id":"t2","updates":{}}`)})

	want := []string{"a:t1", "b:t1", "a:t2", "b:t2"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	router := NewRouter(nil)
	calls := 0
	unsubscribe := router.Subscribe(TopicNotificationNew, "", func(Event) { calls++ })
	other := router.Subscribe(TopicNotificationNew, "", func(Event) {})

	router.Dispatch(NotificationNew{ID: "n_1"})
	unsubscribe()
	unsubscribe()
	router.Dispatch(NotificationNew{ID: "n_2"})

	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
	if router.SubscriberCount(TopicNotificationNew) != 1 {
		t.Fatalf("second unsubscribe must not remove other handlers")
	}
	other()
	if router.SubscriberCount(TopicNotificationNew) != 0 {
		t.Fatalf("expected no subscribers left")
	}
}

func TestHandleFrameDropsInvalidFrames(t *testing.T) {
	router := NewRouter(nil)
	calls := 0
	router.Subscribe(TopicUserLeft, "", func(Event) { calls++ })
	router.HandleFrame(Frame{Event: "user:left", Data: []byte(`{"user_id":""}`)})
	router.HandleFrame(Frame{Event: "ping"})
	if calls != 0 {
		t.Fatalf("invalid frame must not reach handlers")
	}
}
