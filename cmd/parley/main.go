// Package main is the unified entry point for Parley.
// One binary runs the orchestrator, the intelligence hub, the heartbeat
// monitor, and the WebSocket gateway on a shared bus connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/httpmw"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/common/tracing"
	"github.com/parley-ai/parley/internal/effort"
	gateway "github.com/parley-ai/parley/internal/gateway/websocket"
	"github.com/parley-ai/parley/internal/heartbeat"
	"github.com/parley-ai/parley/internal/hub"
	"github.com/parley-ai/parley/internal/hub/store"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/routing"
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

	log.Info("Starting Parley (unified mode)...")

	// 3. Root context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Connect the message bus
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
	log.Info("Connected to bus", zap.String("driver", cfg.Bus.Driver))

	// 5. Open the outcome store
	st, err := store.Open(cfg.Hub.DBPath)
	if err != nil {
		log.Fatal("Failed to open outcome store", zap.String("path", cfg.Hub.DBPath), zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("Outcome store ready", zap.String("path", cfg.Hub.DBPath))

	// 6. Effort estimator (file overrides the embedded defaults)
	effortCfg := effort.DefaultConfig()
	if cfg.Estimator.ConfigPath != "" {
		effortCfg, err = effort.LoadConfig(cfg.Estimator.ConfigPath)
		if err != nil {
			log.Error("Failed to load estimator config",
				zap.String("path", cfg.Estimator.ConfigPath), zap.Error(err))
			os.Exit(exitConfig)
		}
	}
	if cfg.Estimator.AutotuneAfter > 0 {
		effortCfg.Autotune.AnalysisAfter = cfg.Estimator.AutotuneAfter
	}
	if cfg.Estimator.HistoryLimit > 0 {
		effortCfg.Autotune.HistoryLimit = cfg.Estimator.HistoryLimit
	}
	estimator, err := effort.NewEstimator(effortCfg, log)
	if err != nil {
		log.Error("Invalid estimator config", zap.Error(err))
		os.Exit(exitConfig)
	}

	// 7. Feature extractor and performance router
	categories := make([]string, 0, len(effortCfg.Categories))
	for name := range effortCfg.Categories {
		categories = append(categories, name)
	}
	extractor := routing.NewExtractor(nil, categories)
	router := routing.NewRouter(cfg.Router, log)

	// 8. Heartbeat monitor over the expected agent roster
	roster := requiredAgents(cfg)
	monitor := heartbeat.NewMonitor(b, roster, cfg.Heartbeat.Interval(), log)
	monitor.Start(ctx)
	defer monitor.Stop()
	log.Info("Heartbeat monitor started", zap.Strings("roster", roster))

	// 9. Intelligence hub
	hubSvc := hub.NewService(hub.Config{
		Workers:          cfg.Hub.WorkerAgents,
		Orchestrator:     cfg.Orchestrator.Name,
		RetrainThreshold: cfg.Router.RetrainThreshold,
		RebuildInterval:  cfg.Router.RebuildInterval(),
	}, estimator, extractor, router, st, b, monitor, log)

	// 10. Orchestrator service on an agent runtime
	orchSvc := orchestrator.NewService(cfg.Orchestrator, hubSvc, log)
	runtime := agent.NewRuntime(orchSvc.Name(), orchSvc, b, cfg.Agent, cfg.Heartbeat, log)
	orchSvc.Attach(runtime)
	if err := runtime.Start(ctx); err != nil {
		log.Error("Failed to start orchestrator runtime", zap.Error(err))
		os.Exit(exitBus)
	}
	defer runtime.Stop()
	log.Info("Orchestrator online", zap.String("agent", orchSvc.Name()))

	// 11. WebSocket gateway
	gw := gateway.NewGateway(cfg.Gateway, cfg.Orchestrator.Name, b, hubSvc, log)

	// 12. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(httpmw.RequestLogger(log, "parley"))
	engine.Use(httpmw.OtelTracing("parley"))
	engine.Use(gin.Recovery())

	gw.SetupRoutes(engine)
	registerAPIRoutes(engine, hubSvc, orchSvc)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Supervise the long-running parts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Hub.Run(gctx) })
	g.Go(func() error { return hubSvc.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gw.Hub.Ready():
		case <-gctx.Done():
			return nil
		}
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// 14. Wait for shutdown
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service error", zap.Error(err))
		runtime.Stop()
		monitor.Stop()
		_ = st.Close()
		_ = b.Close()
		_ = tracing.Shutdown(context.Background())
		os.Exit(1)
	}

	log.Info("Shutting down Parley...")
	_ = tracing.Shutdown(context.Background())
	log.Info("Parley stopped")
}

// requiredAgents builds the heartbeat roster: the explicit list when
// configured, otherwise everything the orchestrator expects to talk to.
func requiredAgents(cfg *config.Config) []string {
	if len(cfg.Heartbeat.RequiredAgents) > 0 {
		return cfg.Heartbeat.RequiredAgents
	}

	seen := make(map[string]bool)
	var roster []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		roster = append(roster, name)
	}
	add(cfg.Orchestrator.Name)
	add(cfg.Orchestrator.Proposer)
	add(cfg.Orchestrator.Critic)
	add(cfg.Orchestrator.Refiner)
	for _, w := range cfg.Hub.WorkerAgents {
		add(w)
	}
	return roster
}

// registerAPIRoutes exposes the operator endpoints.
func registerAPIRoutes(engine *gin.Engine, hubSvc *hub.Service, orchSvc *orchestrator.Service) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "parley"})
	})

	v1 := engine.Group("/api/v1")

	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, hubSvc.SystemStatus(c.Request.Context()))
	})

	v1.GET("/decisions", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": hubSvc.Decisions(limit)})
	})

	v1.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": orchSvc.Active()})
	})

	v1.GET("/tasks/:id", func(c *gin.Context) {
		view, ok := orchSvc.Snapshot(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, view)
	})
}
