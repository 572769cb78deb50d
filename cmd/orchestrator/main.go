// Package main is the entry point for the Orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agentrunner"
	"github.com/kandev/orchestrator/internal/agents"
	"github.com/kandev/orchestrator/internal/api"
	"github.com/kandev/orchestrator/internal/checkpoint"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/database"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/interrupts"
	"github.com/kandev/orchestrator/internal/queueengine"
	"github.com/kandev/orchestrator/internal/reaper"
	"github.com/kandev/orchestrator/internal/recovery"
	"github.com/kandev/orchestrator/internal/scheduler"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/postgres"
	"github.com/kandev/orchestrator/internal/tracing"
	"github.com/kandev/orchestrator/internal/treelock/pglock"
	"github.com/kandev/orchestrator/internal/workdir"
)

// defaultAgentSteps covers every agent_type string any WorkflowType's
// AgentSequence can produce, so NewRegistry always has a step to fall back
// to a MockAgent for when the manifest leaves it unconfigured.
var defaultAgentSteps = []string{
	"plan", "scaffold", "module_import", "code", "security_lint", "test", "review", "document",
}

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator service")

	// 3. Create context with cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to PostgreSQL and open the Store.
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to postgres")

	s, err := postgres.Open(ctx, db)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer s.Close()

	// 5. Connect to the event bus. An empty NATS URL falls back to the
	// in-memory bus, matching a single-process or test deployment.
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("connected to NATS event bus")
	} else {
		log.Info("using in-memory event bus")
	}
	defer closeBus()

	// 6. TreeLock store, backed by the same Postgres pool.
	locker := pglock.New(db)

	// 7. Agent registry: a manifest overrides specific agent_types with
	// CommandAgents; anything left unconfigured runs as a MockAgent.
	var manifest *agents.Manifest
	if path := os.Getenv("ORCHESTRATOR_AGENTS_MANIFEST"); path != "" {
		manifest, err = agents.LoadManifest(path)
		if err != nil {
			log.Fatal("failed to load agents manifest", zap.Error(err))
		}
	}
	registry, err := agents.NewRegistry(manifest, defaultAgentSteps, cfg.Timeouts.AgentTimeout())
	if err != nil {
		log.Fatal("failed to build agent registry", zap.Error(err))
	}

	// 8. Working-directory manager: clones the target repository per
	// workflow, optionally inside a Docker sandbox.
	workdirs, err := workdir.New(workdir.Config{
		BaseDir:        os.Getenv("ORCHESTRATOR_WORKDIR_BASE"),
		RepositoryPath: os.Getenv("ORCHESTRATOR_REPOSITORY_PATH"),
		BaseBranch:     os.Getenv("ORCHESTRATOR_BASE_BRANCH"),
		Docker: workdir.DockerConfig{
			Enabled: cfg.Docker.Enabled,
			Image:   os.Getenv("ORCHESTRATOR_WORKDIR_IMAGE"),
		},
	}, log)
	if err != nil {
		log.Fatal("failed to initialize workdir manager", zap.Error(err))
	}
	defer workdirs.Close()

	// 9. Interrupts: pause/unpause and the Check/MarkProcessed surface
	// AgentRunner polls at each step boundary.
	im := interrupts.New(s, eventBus, log)

	// 10. QueueEngine + Scheduler.
	qe := queueengine.New(s, log)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.TreeLockTTL = cfg.Timeouts.TreeLockTTL()

	runnerCfg := agentrunner.DefaultConfig()
	runnerCfg.AgentTimeout = cfg.Timeouts.AgentTimeout()
	runnerCfg.PauseTimeout = cfg.Timeouts.PauseTimeout()
	runner := agentrunner.New(s, registry, im, workdirs, eventBus, log, runnerCfg)

	sched := scheduler.New(s, qe, locker, runner, eventBus, log, schedCfg)

	// 11. Recovery runs once, before the Scheduler accepts work.
	rec := recovery.New(s, locker, sched, log, 0)
	result, err := rec.Run(ctx)
	if err != nil {
		log.Fatal("recovery failed", zap.Error(err))
	}
	log.Info("recovery complete",
		zap.Int("recovered_workflows", len(result.RecoveredWorkflowIDs)),
		zap.Int("skipped_queue_entries", result.SkippedQueueEntries))

	// 12. Reaper: fixed-interval sweep for what Recovery's one-shot pass
	// cannot catch.
	reaperCfg := reaper.Config{
		Interval:        cfg.Reaper.Interval(),
		AgentTimeout:    cfg.Timeouts.AgentTimeout(),
		WorkflowTimeout: cfg.Timeouts.WorkflowTimeout(),
	}
	rpr := reaper.New(s, log, reaperCfg)
	rpr.Start(ctx)
	defer rpr.Stop()

	// 13. Checkpoint rewinder and the API service that fronts everything.
	rewinder := checkpoint.New(s, eventBus, log, 0)
	service := api.NewService(s, sched, im, rewinder, eventBus, log)

	// 14. Auto-load configured target modules as root workflows, per the
	// module registry's module_settings.auto_load mechanism.
	for _, targetModule := range cfg.RepositoryDiscovery.AutoLoadModules {
		w, err := service.CreateWorkflow(ctx, api.CreateWorkflowRequest{
			WorkflowType:    store.WorkflowTypeFeature,
			TargetModule:    targetModule,
			TaskDescription: fmt.Sprintf("auto-loaded workflow for %s", targetModule),
		})
		if err != nil {
			log.Warn("failed to auto-load module", zap.String("target_module", targetModule), zap.Error(err))
			continue
		}
		log.Info("auto-loaded module", zap.String("target_module", targetModule), zap.Int64("workflow_id", w.ID))
	}

	// 15. HTTP server.
	router := api.NewRouter(service, log, "orchestrator")
	port := cfg.Server.Port
	if port == 0 {
		port = 8082
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator service")

	// 17. Graceful shutdown.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("orchestrator service stopped")
}
