package model

import (
	"testing"
	"time"
)

func TestRecordCloneIsDeep(t *testing.T) {
	original := Record{
		ID:   "item_1",
		Kind: KindItem,
		Fields: map[string]any{
			"quantity": 10.0,
			"meta":     map[string]any{"unit": "m2"},
			"tags":     []any{"concrete"},
		},
	}
	clone := original.Clone()
	clone.Fields["quantity"] = 12.0
	clone.Fields["meta"].(map[string]any)["unit"] = "m3"
	clone.Fields["tags"].([]any)[0] = "steel"

	if original.Fields["quantity"] != 10.0 {
		t.Fatalf("expected original quantity untouched, got %v", original.Fields["quantity"])
	}
	if original.Fields["meta"].(map[string]any)["unit"] != "m2" {
		t.Fatalf("expected nested map to be copied")
	}
	if original.Fields["tags"].([]any)[0] != "concrete" {
		t.Fatalf("expected nested slice to be copied")
	}
}

func TestSortNotificationsNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []Notification{
		{ID: "n_1", CreatedAt: base},
		{ID: "n_3", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "n_2", CreatedAt: base.Add(time.Minute)},
	}
	SortNotifications(items)
	if items[0].ID != "n_3" || items[1].ID != "n_2" || items[2].ID != "n_1" {
		t.Fatalf("unexpected order: %s %s %s", items[0].ID, items[1].ID, items[2].ID)
	}
}

func TestNotificationFilterKey(t *testing.T) {
	if got := (NotificationFilter{}).Key(); got != "all" {
		t.Fatalf("expected all, got %q", got)
	}
	if got := (NotificationFilter{UnreadOnly: true, Type: "mention", Limit: 20}).Key(); got != "unread|type=mention|limit=20" {
		t.Fatalf("unexpected key %q", got)
	}
}
