package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boqsync/internal/config"
	"github.com/agentworkforce/boqsync/internal/devhub"
	"github.com/agentworkforce/boqsync/internal/logging"
	"github.com/agentworkforce/boqsync/internal/model"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("BOQSYNC_CONFIG")), "config file (yaml, json or toml)")
	seed := flag.Bool("seed", true, "load the demo project")
	printTokens := flag.Bool("print-tokens", true, "print bearer tokens for the demo users")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boqsync-hub: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boqsync-hub: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server := newServer(cfg.Hub, logger)
	if *seed {
		if err := seedDemo(server); err != nil {
			logger.Fatal("seed demo project", zap.Error(err))
		}
		if *printTokens {
			for _, c := range demoCollaborators {
				token, err := server.MintToken(c.UserID, c.Name)
				if err != nil {
					logger.Fatal("mint token", zap.Error(err))
				}
				fmt.Printf("%s (%s): %s\n", c.Name, c.UserID, token)
			}
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Hub.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-rootCtx.Done()
		server.DropStreams("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("boqsync hub listening", zap.String("addr", cfg.Hub.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	server.Close()
}

func newServer(cfg config.HubConfig, logger *zap.Logger) *devhub.Server {
	if strings.TrimSpace(cfg.Secret) == "" {
		logger.Warn("hub.secret is empty, tokens are signed with the development secret")
	}
	return devhub.NewServer(devhub.Config{
		Secret:       cfg.Secret,
		RateLimitMax: cfg.RateLimit,
		Logger:       logger.Named("hub"),
	})
}

const demoProjectID = "prj_demo"

var demoCollaborators = []model.Collaborator{
	{UserID: "u_ana", Name: "Ana Costa", Role: "estimator"},
	{UserID: "u_ben", Name: "Ben Okafor", Role: "quantity_surveyor"},
	{UserID: "u_chen", Name: "Chen Wei", Role: "reviewer"},
}

func seedDemo(server *devhub.Server) error {
	return server.Seed(devhub.ProjectSeed{
		ID:            demoProjectID,
		Collaborators: demoCollaborators,
		Items: []model.Record{
			{ID: "item_001", Fields: map[string]any{"code": "1.1", "section": "Substructure", "description": "Excavation to reduce levels", "unit": "m3", "quantity": 420.0, "unit_price": 18.5}},
			{ID: "item_002", Fields: map[string]any{"code": "1.2", "section": "Substructure", "description": "Blinding concrete 50mm", "unit": "m2", "quantity": 310.0, "unit_price": 9.75}},
			{ID: "item_003", Fields: map[string]any{"code": "2.1", "section": "Frame", "description": "Reinforced concrete C30 columns", "unit": "m3", "quantity": 36.0, "unit_price": 245.0}},
			{ID: "item_004", Fields: map[string]any{"code": "2.2", "section": "Frame", "description": "High yield rebar", "unit": "t", "quantity": 12.4, "unit_price": 980.0}},
		},
		Tasks: []model.Record{
			{ID: "task_001", Fields: map[string]any{"title": "Confirm excavation rates", "status": "todo", "assignee_id": "u_ben"}},
			{ID: "task_002", Fields: map[string]any{"title": "Review frame quantities", "status": "in_progress", "assignee_id": "u_chen"}},
		},
	})
}
