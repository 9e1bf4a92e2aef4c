package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/config"
	"github.com/agentworkforce/boqsync/internal/devhub"
	"github.com/agentworkforce/boqsync/internal/model"
	"github.com/agentworkforce/boqsync/internal/session"
	"github.com/agentworkforce/boqsync/internal/snapshot"
)

func TestRunOpensProjectAndSavesSnapshot(t *testing.T) {
	hub := devhub.NewServer(devhub.Config{})
	if err := hub.Seed(devhub.ProjectSeed{
		ID:            "prj_1",
		Collaborators: []model.Collaborator{{UserID: "u_1", Name: "Ana"}},
		Items: []model.Record{
			{ID: "item_1", Fields: map[string]any{"description": "Formwork", "quantity": 4.0, "unit_price": 2.5}},
		},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ts := httptest.NewServer(hub)
	defer ts.Close()
	defer hub.Close()

	token, err := hub.MintToken("u_1", "Ana")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	t.Setenv("BOQSYNC_API_URL", ts.URL)
	t.Setenv("BOQSYNC_TOKEN", token)
	t.Setenv("BOQSYNC_PROJECT_ID", "prj_1")
	snapshotPath := filepath.Join(t.TempDir(), "cache.json")
	t.Setenv("BOQSYNC_SNAPSHOT_DSN", "file://"+snapshotPath)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var items int
	err = run(ctx, cfg, zap.NewNop(), func(s *session.Session) {
		items = len(s.Items())
		cancel()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if items != 1 {
		t.Fatalf("expected 1 item loaded, got %d", items)
	}

	backend, err := snapshot.Open("file://" + snapshotPath)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	var saved struct {
		Engine struct {
			Records []model.Record `json:"records"`
		} `json:"engine"`
	}
	found, err := snapshot.LoadJSON(context.Background(), backend, "session:u_1:cache", &saved)
	if err != nil || !found {
		t.Fatalf("expected saved snapshot, found=%v err=%v", found, err)
	}
	if len(saved.Engine.Records) != 1 || saved.Engine.Records[0].ID != "item_1" {
		t.Fatalf("unexpected snapshot records: %+v", saved.Engine.Records)
	}
}

func TestRunFailsWithRejectedToken(t *testing.T) {
	hub := devhub.NewServer(devhub.Config{})
	ts := httptest.NewServer(hub)
	defer ts.Close()
	defer hub.Close()

	t.Setenv("BOQSYNC_API_URL", ts.URL)
	t.Setenv("BOQSYNC_TOKEN", "garbage")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, cfg, zap.NewNop(), nil); err == nil {
		t.Fatalf("expected run to fail with a rejected token")
	}
}

func TestRunRejectsUnknownSnapshotScheme(t *testing.T) {
	cfg := config.Config{APIURL: "http://127.0.0.1:1", SnapshotDSN: "ftp://example.com/cache"}
	if err := run(context.Background(), cfg, zap.NewNop(), nil); err == nil {
		t.Fatalf("expected unsupported snapshot dsn to fail")
	}
}
