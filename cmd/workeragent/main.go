// Package main runs a scripted development worker. It stands in for the
// LLM-backed debate participants: each assigned step is answered with a
// streamed, canned reply whose confidence ramps up round over round, which
// is enough to drive the orchestrator through a full debate locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 bus connectivity.
const (
	exitConfig = 2
	exitBus    = 3
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	// 3. The agent name decides the channel, heartbeat key, and role
	name := cfg.Agent.Name
	if name == "" {
		log.Error("AGENT_NAME is required")
		os.Exit(exitConfig)
	}

	// 4. Connect the message bus
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.New(cfg.Bus, log)
	if err != nil {
		log.Error("Failed to connect to bus", zap.Error(err))
		os.Exit(exitBus)
	}
	defer func() { _ = b.Close() }()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := b.Ping(pingCtx); err != nil {
		pingCancel()
		log.Error("Bus unreachable", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
		os.Exit(exitBus)
	}
	pingCancel()

	// 5. Start the runtime with the scripted capabilities
	worker := newScriptedWorker(name)
	runtime := agent.NewRuntime(name, worker, b, cfg.Agent, cfg.Heartbeat, log)
	if err := runtime.Start(ctx); err != nil {
		log.Error("Failed to start worker runtime", zap.Error(err))
		os.Exit(exitBus)
	}

	log.Info("Worker agent online",
		zap.String("agent", name),
		zap.String("role", worker.role))

	// 6. Run until a shutdown signal
	<-ctx.Done()
	log.Info("Shutting down worker agent...")
	runtime.Stop()
	log.Info("Worker agent stopped")
}
