package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOQSYNC_TOKEN", "tok")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://127.0.0.1:8080" || cfg.StreamURL != "ws://127.0.0.1:8080/v1/stream" {
		t.Fatalf("unexpected urls %q %q", cfg.APIURL, cfg.StreamURL)
	}
	if cfg.JoinTimeout != 10*time.Second || cfg.ConflictWindow != 3*time.Second || cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.Reconnect.MaxAttempts != 5 || cfg.Reconnect.InitialBackoff != time.Second || cfg.Reconnect.MaxBackoff != 5*time.Second {
		t.Fatalf("unexpected reconnect defaults %+v", cfg.Reconnect)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a token should validate: %v", err)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boqsync.yaml")
	content := "api_url: https://boq.example.com/\nproject_id: prj_1\nreconnect:\n  max_attempts: 2\n  max_backoff: 8s\nnotifications:\n  poll_jitter: 0.5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BOQSYNC_TOKEN", "tok")
	t.Setenv("BOQSYNC_PROJECT_ID", "prj_env")
	t.Setenv("BOQSYNC_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "https://boq.example.com" || cfg.StreamURL != "wss://boq.example.com/v1/stream" {
		t.Fatalf("unexpected urls %q %q", cfg.APIURL, cfg.StreamURL)
	}
	if cfg.ProjectID != "prj_env" {
		t.Fatalf("env should override file, got %q", cfg.ProjectID)
	}
	if cfg.Reconnect.MaxAttempts != 7 || cfg.Reconnect.MaxBackoff != 8*time.Second {
		t.Fatalf("unexpected reconnect %+v", cfg.Reconnect)
	}
	if cfg.Notifications.PollJitter != 0.5 {
		t.Fatalf("unexpected jitter %v", cfg.Notifications.PollJitter)
	}
}

func TestLoadReadsTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  secret-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	t.Setenv("BOQSYNC_TOKEN_FILE", path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "secret-token" {
		t.Fatalf("expected trimmed token, got %q", cfg.Token)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	cfg := Config{
		APIURL:    "ftp://x",
		StreamURL: "tcp://x",
		Reconnect: ReconnectConfig{InitialBackoff: time.Second, MaxBackoff: time.Millisecond},
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestTokenWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	watcher, err := NewTokenWatcher(path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx, func(token string) { tokens <- token }) }()

	deadline := time.After(5 * time.Second)
	for {
		// The watcher may not be registered yet; keep rewriting until it reports.
		if err := os.WriteFile(path, []byte("second\n"), 0o600); err != nil {
			t.Fatalf("rewrite token: %v", err)
		}
		select {
		case token := <-tokens:
			if token != "second" {
				t.Fatalf("expected second, got %q", token)
			}
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Fatalf("expected canceled, got %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("token change was not reported")
		}
	}
}
