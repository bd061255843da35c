package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chimera-autarch/autarch/internal/config"
	"github.com/chimera-autarch/autarch/internal/controlplane"
	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/metacog"
	"github.com/chimera-autarch/autarch/internal/nodes"
	"github.com/chimera-autarch/autarch/internal/observability"
	"github.com/chimera-autarch/autarch/internal/orchestrator"
	"github.com/chimera-autarch/autarch/internal/scheduler"
	"github.com/chimera-autarch/autarch/internal/store"
	"github.com/chimera-autarch/autarch/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Autarch control plane",
		Long: `Start the Autarch orchestration node.

The node will:
1. Load configuration from the specified file (or autarch.yaml)
2. Open the persistence store
3. Wire the node registry, tool registry, metacognitive engine, and orchestrator
4. Start the periodic backup, health-sweep, and metacog-poll jobs
5. Accept worker and client connections on the WebSocket control plane

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "autarch.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level()
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting autarch node",
		"version", version,
		"commit", commit,
		"config", configPath,
		"control_plane_port", cfg.ControlPlane.Port,
		"persistence_backend", cfg.Persistence.Backend,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	persistence, closeStore, err := openStore(ctx, cfg.Persistence, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("error closing persistence store", "error", err)
		}
	}()

	eventsCfg := events.DefaultConfig()
	eventsCfg.BufferSize = cfg.Events.BufferSize
	eventsCfg.SubscriberQueueSize = cfg.Events.SubscriberQueueSize
	broker := events.New(eventsCfg, logger, metrics)

	nodeRegistry := nodes.New(nodes.Config{
		HeartbeatTimeout:  cfg.Nodes.HeartbeatTimeout(),
		HeartbeatInterval: cfg.Nodes.HeartbeatInterval(),
		ReplayWindow:      cfg.Nodes.ReplayWindow(),
		ReputationUp:      cfg.Nodes.ReputationUp,
		ReputationDown:    cfg.Nodes.ReputationDown,
		MaxRetries:        cfg.Nodes.MaxRetries,
		Secret:            []byte(cfg.Nodes.Secret),
	}, broker, logger, metrics)

	toolsReg := tools.NewRegistry(broker, persistence, logger)
	if err := tools.RegisterBuiltins(toolsReg); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	metacogCfg := metacog.Config{
		ConfidenceThreshold: cfg.Metacognitive.ConfidenceThreshold,
		LearningCooldown:    cfg.Metacognitive.LearningCooldown(),
		MinSamples:          cfg.Metacognitive.MinSamples,
		HistoryWindow:       cfg.Metacognitive.HistoryWindow,
	}
	engine := metacog.New(metacogCfg, broker, persistence, logger, metrics)

	cpServer := controlplane.New(cfg.ControlPlane, nodeRegistry, nil, broker, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.DefaultTool = cfg.Intent.DefaultTool
	orch := orchestrator.New(orchCfg, toolsReg, nodeRegistry, cpServer, engine, broker, cfg.Nodes.MaxRetries, logger, metrics)
	cpServer.SetOrchestrator(orch)

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.Job{
		Name: "persistence_backup",
		Expr: fmt.Sprintf("@every %ds", cfg.Persistence.BackupIntervalSeconds),
		Run: func() {
			backupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if path, err := persistence.BackupNow(backupCtx); err != nil {
				logger.Warn("persistence backup failed", "error", err)
			} else {
				logger.Info("persistence backup complete", "path", path)
			}
		},
	}); err != nil {
		return fmt.Errorf("failed to schedule backup job: %w", err)
	}
	if err := sched.Add(scheduler.Job{
		Name: "node_health_sweep",
		Expr: "@every 15s",
		Run: func() {
			nodeRegistry.SweepHealth(time.Now())
			metrics.SetNodesOnline(nodeRegistry.Count())
		},
	}); err != nil {
		return fmt.Errorf("failed to schedule health sweep job: %w", err)
	}
	if err := sched.Add(scheduler.Job{
		Name: "metacog_poll",
		Expr: "@every 20s",
		Run: orch.PollLearning,
	}); err != nil {
		return fmt.Errorf("failed to schedule metacog poll job: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cpServer.ListenAndServe(ctx)
	}()

	logger.Info("autarch control plane listening", "host", cfg.ControlPlane.Host, "port", cfg.ControlPlane.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	logger.Info("shutdown signal received, stopping gracefully")
	return nil
}

// openStore constructs the configured Store and a closer that releases its
// resources. The returned closer is always non-nil.
func openStore(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger, metrics *observability.Metrics) (store.Store, func() error, error) {
	switch cfg.Backend {
	case "postgres":
		pgCfg := store.DefaultPostgresConfig(cfg.DSN)
		pgCfg.BackupDir = cfg.BackupDir
		pgCfg.BackupRetention = cfg.BackupRetention
		s, err := store.OpenPostgres(ctx, pgCfg, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		sqliteCfg := store.DefaultSQLiteConfig(cfg.DatabasePath)
		sqliteCfg.BackupDir = cfg.BackupDir
		sqliteCfg.BackupRetention = cfg.BackupRetention
		s, err := store.OpenSQLite(sqliteCfg, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
