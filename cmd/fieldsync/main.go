package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/config"
	"github.com/craneworks/fieldsync/internal/conflict"
	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/netmon"
	"github.com/craneworks/fieldsync/internal/observability"
	"github.com/craneworks/fieldsync/internal/remote"
	"github.com/craneworks/fieldsync/internal/store"
	"github.com/craneworks/fieldsync/internal/sync"
)

const (
	AppName    = "fieldsync"
	AppVersion = "0.1.0"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting fieldsync", zap.String("version", AppVersion))

	// Initialize database
	db, err := store.NewDB(cfg.DBPath())
	if err != nil {
		logger.Fatal("Failed to initialize database",
			zap.Error(err),
			zap.String("path", cfg.DBPath()))
	}
	defer db.Close()

	logger.Info("Database initialized", zap.String("path", cfg.DBPath()))

	ctx := context.Background()

	// Initialize metrics
	metrics := observability.NewNopMetrics()
	if cfg.Observability.MetricsEnabled {
		meterProvider, metricsShutdown, err := observability.InitMetricsProvider(ctx, cfg.Observability.OTELEndpoint, AppName)
		if err != nil {
			logger.Fatal("Failed to initialize metrics provider", zap.Error(err))
		}
		defer func() {
			if err := metricsShutdown(); err != nil {
				logger.Error("Failed to shutdown metrics provider", zap.Error(err))
			}
		}()

		metrics, err = observability.NewMetrics(meterProvider, AppName)
		if err != nil {
			logger.Fatal("Failed to initialize metrics", zap.Error(err))
		}
		logger.Info("Metrics initialized")
	}

	// Initialize tracing
	tracerProvider, tracingShutdown, err := observability.InitTracerProvider(ctx, tracingEndpoint(cfg), AppName)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := tracingShutdown(); err != nil {
			logger.Error("Failed to shutdown tracing", zap.Error(err))
		}
	}()

	// Network monitor, fed from the platform connectivity source. The
	// daemon assumes a wired start; SetStatus updates arrive from the
	// host integration.
	monitor := netmon.NewMonitor(logger)
	monitor.SetStatus(netmon.Status{Connected: true, Type: netmon.ConnectionEthernet})

	// Conflict resolver with configured overrides on top of the
	// workforce defaults
	defaultStrategy, err := conflict.ParseStrategy(cfg.Conflict.DefaultStrategy)
	if err != nil {
		logger.Fatal("Invalid default conflict strategy", zap.Error(err))
	}
	resolver := conflict.NewResolver(defaultStrategy, logger)
	resolver.ConfigureDefaultRules()
	for entityType, name := range cfg.Conflict.EntityStrategies {
		strategy, err := conflict.ParseStrategy(name)
		if err != nil {
			logger.Fatal("Invalid entity conflict strategy",
				zap.String("entity_type", entityType), zap.Error(err))
		}
		resolver.SetEntityStrategy(entity.Type(entityType), strategy)
	}
	for field, name := range cfg.Conflict.FieldStrategies {
		strategy, err := conflict.ParseStrategy(name)
		if err != nil {
			logger.Fatal("Invalid field conflict strategy",
				zap.String("field", field), zap.Error(err))
		}
		resolver.SetFieldStrategy(field, strategy)
	}

	// Remote API client with a token from the environment
	token := remote.StaticToken(os.Getenv("FIELDSYNC_API_TOKEN"))
	api := remote.NewClient(cfg.Remote.BaseURL,
		time.Duration(cfg.Remote.TimeoutSeconds)*time.Second, token, logger)

	// Queue, coordinator, engine
	queue := sync.NewQueue(monitor, db, cfg.Sync.MaxConcurrentOperations, logger, metrics)
	defer queue.Close()

	records := store.NewRecordStore(db)
	coordinator := sync.NewCoordinator(api, records, queue, resolver, db, logger, metrics, tracerProvider)

	engineCfg := sync.DefaultConfiguration()
	engineCfg.AutoSyncEnabled = cfg.Sync.AutoSync
	engineCfg.AllowCellular = cfg.Sync.AllowCellular
	engineCfg.BackgroundSyncEnabled = cfg.Sync.BackgroundSync
	engineCfg.SyncIntervalSeconds = cfg.Sync.Interval
	engineCfg.DefaultConflictStrategy = cfg.Conflict.DefaultStrategy

	engine := sync.NewEngine(engineCfg, sync.EngineOptions{
		Coordinator: coordinator,
		Queue:       queue,
		Monitor:     monitor,
		Auth:        token,
		Store:       db,
		Logger:      logger,
		Metrics:     metrics,
	})
	defer engine.Close()

	// Requeue any work stranded by a previous shutdown
	if err := queue.RestorePending(restoreBuilder(coordinator)); err != nil {
		logger.Error("Failed to restore pending operations", zap.Error(err))
	}

	// Log engine events
	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	go func() {
		for event := range events {
			switch event.Type {
			case sync.EventStateChanged:
				logger.Info("Engine state",
					zap.String("state", string(event.State)))
			case sync.EventProgress:
				logger.Debug("Sync progress",
					zap.Float64("fraction", event.Fraction),
					zap.String("description", event.Description))
			case sync.EventSyncCompleted:
				if event.Err != nil {
					logger.Warn("Sync pass finished with errors", zap.Error(event.Err))
				} else {
					logger.Info("Sync pass completed")
				}
			}
		}
	}()

	if err := engine.Start(ctx); err != nil {
		logger.Error("Engine start", zap.Error(err))
	}

	logger.Info("fieldsync initialized successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("Shutting down...")
	engine.Stop()
	logger.Info("Shutdown complete")
}

// tracingEndpoint returns the OTLP endpoint when tracing is enabled,
// empty for the no-op provider.
func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.TracingEnabled {
		return ""
	}
	return cfg.Observability.OTELEndpoint
}

// restoreBuilder rebuilds runnable operations from persisted pending
// records after a restart.
func restoreBuilder(coordinator *sync.Coordinator) sync.OperationBuilder {
	return func(p store.PendingOperation) (*sync.Operation, bool) {
		kind := sync.Kind(p.Kind)
		entityType := entity.Type(p.EntityType)
		if !kind.Valid() || !entityType.Valid() {
			return nil, false
		}
		return coordinator.BuildOperation(kind, entityType, p.RecordID), true
	}
}
