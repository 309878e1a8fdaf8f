package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/adapter/agentclient"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/catalog"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/config"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/observability"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/policy"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/registry"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/service"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/tools"
	httpserver "github.com/Godjoberto04/dropshipping-crew-ai/internal/transport/http"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/transport/rpc"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to $ORCHESTRATOR_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting orchestrator",
		slog.Int("http_port", cfg.HTTPPort),
		slog.Int("rpc_port", cfg.RPCPort),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("event_bus", cfg.EventBus))

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.MustNewMetrics(reg)

	// Initialize store
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	// Initialize event bus
	inner, closeBus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()
	bus := eventbus.NewRecordingBus(inner, db, metrics, logger)

	agents := registry.New(db,
		registry.WithHeartbeatInterval(cfg.HeartbeatInterval),
		registry.WithOfflineAfter(cfg.AgentOfflineAfter),
		registry.WithLogger(logger))

	cat, err := catalog.Load(cfg.CatalogFile, cfg.TaskTimeout)
	if err != nil {
		return err
	}
	pol, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}
	local := tools.NewRegistry()
	if err := tools.RegisterBuiltins(local, bus); err != nil {
		return err
	}

	d, err := dispatcher.New(dispatcher.Deps{
		Store:   db,
		Agents:  agents,
		Catalog: cat,
		Policy:  pol,
		Local:   local,
		Client:  agentclient.NewClient(cfg.AgentAckTimeout),
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger,
	}, dispatcher.Options{
		CallbackBaseURL: cfg.CallbackBaseURL(),
		SweepInterval:   cfg.TaskSweepInterval,
	})
	if err != nil {
		return err
	}
	go d.RunTimeoutMonitor(ctx)

	// Workflows
	lib, err := workflow.NewLibrary()
	if err != nil {
		return err
	}
	if cfg.WorkflowDir != "" {
		if err := lib.LoadDir(cfg.WorkflowDir); err != nil {
			return err
		}
		logger.Info("workflows loaded", slog.Int("count", len(lib.List())), slog.String("dir", cfg.WorkflowDir))
	}
	engine, err := workflow.NewEngine(lib, d, db, bus, workflow.EngineOptions{
		RunTimeout: cfg.WorkflowTimeout,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()

	triggers := workflow.NewTriggers(engine, lib, bus, logger)
	if err := triggers.Start(); err != nil {
		return err
	}
	defer triggers.Stop()

	if cfg.WorkflowWatch && cfg.WorkflowDir != "" {
		watcher, err := workflow.NewWatcher(cfg.WorkflowDir, lib, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	// Initialize service
	svc := service.New(service.Deps{
		Dispatcher: d,
		Registry:   agents,
		Engine:     engine,
		Library:    lib,
		Bus:        bus,
		Tasks:      db,
		Events:     db,
		Logger:     logger,
	})

	httpServer := httpserver.NewServer(svc, httpserver.Options{
		RateLimit: cfg.RateLimit,
		Metrics:   metrics,
		Gatherer:  reg,
		Logger:    logger,
	})
	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if cfg.RPCPort > 0 {
		go func() {
			if err := rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()
	}
	logger.Info("orchestrator started", slog.String("callback_url", cfg.CallbackBaseURL()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("shutting down orchestrator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", slog.Any("error", err))
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("rpc server shutdown failed", slog.Any("error", err))
	}
	return runErr
}

// openBus builds the configured transport. The returned func releases it.
func openBus(cfg *config.Config, logger *slog.Logger) (eventbus.Bus, func(), error) {
	if cfg.EventBus != "nats" {
		b := eventbus.NewMemoryBus(logger)
		return b, func() { _ = b.Close() }, nil
	}

	url := cfg.NATSURL
	stopEmbedded := func() {}
	if cfg.NATSEmbedded {
		ns, err := eventbus.StartEmbeddedNATS()
		if err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		stopEmbedded = ns.Shutdown
		logger.Info("embedded NATS server started", slog.String("url", url))
	}

	b, err := eventbus.ConnectNATS(url, eventbus.NATSOptions{
		SubjectPrefix: cfg.NATSSubjectPrefix,
		Logger:        logger,
	})
	if err != nil {
		stopEmbedded()
		return nil, nil, err
	}
	return b, func() {
		_ = b.Close()
		stopEmbedded()
	}, nil
}
