package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/scanmate-sync/internal/config"
	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
	"github.com/kirillkom/scanmate-sync/internal/core/usecase"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/kvstore/localfs"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/kvstore/sqlite"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/pdfinfo"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/queue/inproc"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/queue/nats"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/recordstore"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/remote/postgres"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/resilience"
	"github.com/kirillkom/scanmate-sync/internal/observability/metrics"
)

const eventPublishTimeout = 2 * time.Second

// syncBus is what the session, runner and registry observer need from the
// trigger transport.
type syncBus interface {
	ports.SyncTrigger
	ports.TriggerSource
	ports.DocumentEventPublisher
}

type App struct {
	Config config.Config

	Registry *usecase.DocumentRegistry
	Intake   *usecase.IntakeUseCase
	Session  *usecase.SyncSession
	Engine   *usecase.SyncEngine
	Runner   *usecase.SyncRunner

	MetricsRegistry *prometheus.Registry
	HTTPMetrics     *metrics.HTTPServerMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, error) {
		closeAll()
		return nil, err
	}

	kv, closeKV, err := openKeyValueStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeKV)

	metricsRegistry := metrics.NewRegistry()
	syncMetrics := metrics.NewSyncMetrics(cfg.ServiceName, metricsRegistry)
	httpMetrics := metrics.NewHTTPServerMetrics(cfg.ServiceName, metricsRegistry)

	resCfg := resilience.DefaultConfig()
	resCfg.RetryMaxAttempts = cfg.RemoteRetryMaxAttempts
	resCfg.BreakerEnabled = cfg.RemoteBreakerEnabled
	executor := resilience.NewExecutor(resCfg, logger)
	executor.OnStateChange(func(operation string, _, to gobreaker.State) {
		syncMetrics.ObserveBreaker(operation, to == gobreaker.StateClosed)
	})

	db, err := postgres.OpenDB(cfg.RemotePostgresDSN)
	if err != nil {
		return fail(fmt.Errorf("open remote postgres: %w", err))
	}
	closers = append(closers, func() { _ = db.Close() })
	remote := postgres.NewBackend(db, executor)
	if err := remote.EnsureSchema(ctx); err != nil {
		return fail(fmt.Errorf("ensure remote schema: %w", err))
	}

	bus, closeBus, err := openSyncBus(cfg, executor, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeBus)

	registry := usecase.NewDocumentRegistry(
		recordstore.New(kv, cfg.StoreKey, logger),
		usecase.RegistryOptions{Logger: logger},
	)
	registry.Subscribe(func(event domain.DocumentEvent) {
		syncMetrics.ObserveDocumentEvent(event)

		publishCtx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		defer cancel()
		if err := bus.PublishDocumentEvent(publishCtx, event); err != nil {
			logger.Warn("document_event_publish_failed",
				"document_id", event.DocumentID,
				"type", event.Type,
				"error", err,
			)
		}
	})

	queue := usecase.NewSyncQueue(nil)
	engine := usecase.NewSyncEngine(registry, queue, remote, usecase.EngineOptions{
		Backoff:     cfg.SyncBackoff,
		TaskTimeout: cfg.SyncTaskTimeout,
		Observer:    syncMetrics,
		Logger:      logger,
	})
	session := usecase.NewSyncSession(registry, queue, engine, remote, bus, logger)
	runner := usecase.NewSyncRunner(engine, bus, cfg.SyncInterval, logger)
	intake := usecase.NewIntakeUseCase(registry, pdfinfo.NewCounter(), nil)

	return &App{
		Config: cfg,

		Registry: registry,
		Intake:   intake,
		Session:  session,
		Engine:   engine,
		Runner:   runner,

		MetricsRegistry: metricsRegistry,
		HTTPMetrics:     httpMetrics,

		closeFn: closeAll,
	}, nil
}

func openKeyValueStore(ctx context.Context, cfg config.Config) (ports.KeyValueStore, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		if dir := filepath.Dir(cfg.StorePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		db, err := sqlite.OpenDB(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store := sqlite.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure sqlite schema: %w", err)
		}
		return store, func() { _ = db.Close() }, nil
	case "file":
		store, err := localfs.New(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("init file store: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q (want sqlite or file)", cfg.StoreDriver)
	}
}

func openSyncBus(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (syncBus, func(), error) {
	if cfg.NATSURL == "" {
		logger.Info("sync_bus_in_process")
		return inproc.New(logger), func() {}, nil
	}

	bus, err := nats.New(cfg.NATSURL, nats.Options{
		TriggerSubject:     cfg.NATSTriggerSubject,
		EventSubject:       cfg.NATSEventSubject,
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init nats bus: %w", err)
	}
	return bus, bus.Close, nil
}

// Start loads the registry and restores the configured account.
func (a *App) Start(ctx context.Context) error {
	a.Registry.Hydrate(ctx)
	if a.Config.SyncAccountID == "" {
		return nil
	}
	if err := a.Session.SignIn(ctx, a.Config.SyncAccountID); err != nil {
		return fmt.Errorf("sign in configured account: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
