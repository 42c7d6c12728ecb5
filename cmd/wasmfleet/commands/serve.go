package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasmfleet/wasmfleet/pkg/api"
	"github.com/wasmfleet/wasmfleet/pkg/config"
	"github.com/wasmfleet/wasmfleet/pkg/deploy"
	"github.com/wasmfleet/wasmfleet/pkg/discovery"
	"github.com/wasmfleet/wasmfleet/pkg/health"
	"github.com/wasmfleet/wasmfleet/pkg/match"
	"github.com/wasmfleet/wasmfleet/pkg/module"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
	"github.com/wasmfleet/wasmfleet/pkg/transports/supervisor"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Run the orchestrator: the discovery and health loops, the deployment
manager, and the HTTP API.

Configuration is read from the --config file when given, otherwise from
built-in defaults; WASMFLEET_* environment variables override either. An
invalid configuration aborts startup before any loop begins.`,
		Example: `  # Run with defaults (SQLite store, port 8400)
  wasmfleet serve

  # Run with a config file
  wasmfleet serve --config /etc/wasmfleet/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Persistence
	var backend stores.Store
	switch cfg.Store.Backend {
	case "sqlite":
		sqlite, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := sqlite.Init(ctx); err != nil {
			return err
		}
		if err := sqlite.Migrate(ctx); err != nil {
			return err
		}
		backend = sqlite
	default:
		backend = stores.NewMemoryStore()
	}
	defer func() { _ = backend.Close() }()
	store := stores.NewResilientStore(backend, logger, metrics)

	// Core components
	reg := registry.New(logger)
	restoreDevices(ctx, reg, store, logger)

	inspector := module.NewInspector(ctx)
	defer func() { _ = inspector.Close(context.Background()) }()
	inventory := module.NewInventory(inspector, store, logger)
	if err := inventory.Load(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load module catalog, continuing with empty catalog")
	}

	transport := supervisor.New(supervisor.DefaultConfig(), logger)
	matcher := match.New(reg, logger)

	manager := deploy.NewManager(deploy.Config{
		DefaultRetryBudget: cfg.Deploy.RetryBudget,
		SchedulingBackoff:  config.Seconds(cfg.Deploy.SchedulingBackoffSeconds),
		DeployTimeout:      config.Seconds(cfg.Deploy.DeployTimeoutSeconds),
		UndeployTimeout:    config.Seconds(cfg.Deploy.UndeployTimeoutSeconds),
		SuperviseInterval:  config.Seconds(cfg.Deploy.SuperviseIntervalSeconds),
	}, reg, matcher, transport, store, logger, metrics, tracer)

	monitor := health.NewMonitor(health.Config{
		Interval:            config.Seconds(cfg.Health.CheckIntervalSeconds),
		ProbeTimeout:        config.Seconds(cfg.Health.ProbeTimeoutSeconds),
		FailureThreshold:    cfg.Health.FailureThreshold,
		MaxConcurrentProbes: cfg.Health.MaxConcurrentProbes,
	}, reg, transport, logger, metrics)

	var source discovery.Source
	if len(cfg.Devices) > 0 {
		anns := make([]discovery.Announcement, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			anns = append(anns, discovery.Announcement{
				DeviceID:     d.DeviceID,
				Name:         d.Name,
				Address:      d.Address,
				Capabilities: d.Capabilities,
				Resources:    d.Resources,
			})
		}
		source, err = discovery.NewStaticSource(anns)
		if err != nil {
			return fmt.Errorf("invalid seed device: %w", err)
		}
	}
	ingestor := discovery.NewIngestor(discovery.Config{
		ScanInterval:     config.Seconds(cfg.Discovery.ScanIntervalSeconds),
		ScanDuration:     config.Seconds(cfg.Discovery.ScanDurationSeconds),
		EvictAfterCycles: cfg.Discovery.EvictAfterCycles,
	}, source, reg, logger, metrics)

	persister := stores.NewDevicePersister(reg, store, logger)
	server := api.NewServer(cfg.Server, reg, ingestor, inventory, manager, store, store, metrics, logger)

	// Run every loop; the first hard failure (or signal) stops them all.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager.Start(runCtx)
	if err := manager.Restore(runCtx); err != nil {
		logger.WithError(err).Warn("Failed to resume persisted deployments")
	}
	errCh := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			err := fn(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("loop", name).Error("Loop exited with error")
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	run("store", store.Run)
	run("discovery", ingestor.Run)
	run("health", monitor.Run)
	run("persister", persister.Run)
	run("api", server.Run)

	logger.WithField("listen_addr", cfg.Server.ListenAddr).Info("WasmFleet orchestrator started")

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
	}
	cancel()
	manager.Wait()
	return firstErr
}

// restoreDevices seeds the registry from persisted device records. Health is
// reset to unknown; the monitor re-establishes it on the first cycle.
func restoreDevices(ctx context.Context, reg *registry.Registry, store stores.Store, logger *telemetry.Logger) {
	recs, err := store.ListDevices(ctx, -1, 0)
	if err != nil {
		logger.WithError(err).Warn("Failed to restore devices from store")
		return
	}
	restored := 0
	for _, rec := range recs {
		dev, err := stores.RecordToDevice(rec)
		if err != nil {
			continue
		}
		reg.Upsert(*dev)
		restored++
	}
	if restored > 0 {
		logger.WithField("devices", restored).Info("Restored devices from store")
	}
}
