// Package main is the entry point for agentscope. The single binary runs
// the terminal session manager, the agent orchestrator, and the HTTP and
// WebSocket gateway with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/justelson/agentscope/internal/agent/handler"
	"github.com/justelson/agentscope/internal/agent/history"
	"github.com/justelson/agentscope/internal/agent/orchestrator"
	"github.com/justelson/agentscope/internal/common/config"
	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events"
	"github.com/justelson/agentscope/internal/gateway/api"
	"github.com/justelson/agentscope/internal/gateway/websocket"
	"github.com/justelson/agentscope/internal/terminal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentscope...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	store, err := history.NewStore(cfg.Orchestrator.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	terminals := terminal.NewManager(cfg.Terminal, eventBus, log)
	defer terminals.Cleanup()

	registry := handler.NewRegistry()

	orch, err := orchestrator.New(cfg.Orchestrator, terminals, registry, store, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}
	defer orch.Cleanup()

	hub, err := websocket.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize WebSocket hub", zap.Error(err))
	}

	server := api.NewServer(cfg.Server, orch, terminals, registry, hub, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	log.Info("agentscope ready",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("agents", len(registry.List())))

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("agentscope stopped")
}
