package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/config"
	"github.com/agentworkforce/boqsync/internal/events"
	"github.com/agentworkforce/boqsync/internal/logging"
	"github.com/agentworkforce/boqsync/internal/mutation"
	"github.com/agentworkforce/boqsync/internal/presence"
	"github.com/agentworkforce/boqsync/internal/session"
	"github.com/agentworkforce/boqsync/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("BOQSYNC_CONFIG")), "config file (yaml, json or toml)")
	project := flag.String("project", "", "project to open, overrides project_id")
	logLevel := flag.String("log-level", "", "log level, overrides log_level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boqsync: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*project) != "" {
		cfg.ProjectID = strings.TrimSpace(*project)
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.LogLevel = *logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boqsync: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, cfg, logger, nil); err != nil {
		logger.Fatal("boqsync stopped", zap.Error(err))
	}
}

// run keeps one session alive until ctx ends. ready, when set, is called once
// the session is connected and the configured project is open.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, ready func(*session.Session)) error {
	snapshots, err := snapshot.Open(cfg.SnapshotDSN)
	if err != nil {
		return fmt.Errorf("open snapshot backend: %w", err)
	}
	s, err := session.New(session.OptionsFromConfig(cfg, snapshots, logger))
	if err != nil {
		if snapshots != nil {
			_ = snapshots.Close()
		}
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("session close", zap.Error(err))
		}
	}()
	unsubscribe := observe(s, logger)
	defer unsubscribe()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("session started", zap.String("user_id", s.UserID()), zap.String("session_id", s.ID()))

	if cfg.ProjectID != "" {
		openCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout+cfg.RequestTimeout)
		err := s.OpenProject(openCtx, cfg.ProjectID)
		cancel()
		if err != nil {
			return err
		}
		logger.Info("project ready",
			zap.String("project_id", cfg.ProjectID),
			zap.Int("items", len(s.Items())),
			zap.Int("tasks", len(s.Tasks())))
	}

	if cfg.TokenFile != "" {
		watcher, err := config.NewTokenWatcher(cfg.TokenFile, logger.Named("token"))
		if err != nil {
			return err
		}
		go func() {
			err := watcher.Run(ctx, func(token string) {
				rotateCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()
				if err := s.Rotate(rotateCtx, token); err != nil {
					logger.Warn("token rotation failed", zap.Error(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("token watcher stopped", zap.Error(err))
			}
		}()
	}

	if ready != nil {
		ready(s)
	}
	<-ctx.Done()
	logger.Info("boqsync stopping", zap.Error(ctx.Err()))
	return nil
}

// observe logs what the session sees: presence, remote changes, conflicts and
// notifications.
func observe(s *session.Session, logger *zap.Logger) func() {
	unsubs := []func(){
		s.Presence().OnChange(func(projectID string, members []presence.Member) {
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Name)
			}
			logger.Info("online", zap.String("project_id", projectID), zap.Strings("members", names))
		}),
		s.Conflicts().OnChange(func(targetID string, conflicting bool) {
			if conflicting {
				logger.Warn("edit conflict, showing server version", zap.String("target_id", targetID))
			}
		}),
		s.Engine().OnChange(func(change mutation.Change) {
			if change.TargetID != "" {
				logger.Debug("record changed", zap.String("project_id", change.ProjectID), zap.String("target_id", change.TargetID))
			}
		}),
		s.Notifications().OnChange(func() {
			logger.Debug("notifications changed", zap.Int("unread", s.Notifications().UnreadCount()))
		}),
		s.Router().Subscribe(events.TopicCommentCreated, "", func(event events.Event) {
			e := event.(events.CommentCreated)
			logger.Info("comment", zap.String("project_id", e.ProjectID), zap.String("comment_id", e.CommentID))
		}),
		s.Router().Subscribe(events.TopicJobCompleted, "", func(event events.Event) {
			e := event.(events.JobCompleted)
			logger.Info("job completed", zap.String("job_id", e.JobID), zap.String("status", e.Status), zap.String("download_url", e.DownloadURL))
		}),
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}
