package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"eidos-hq/speechgate/pkg/cache"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/dispatch"
	"eidos-hq/speechgate/pkg/events"
	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/limits/storage"
	"eidos-hq/speechgate/pkg/maintenance"
	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/routing"
	"eidos-hq/speechgate/pkg/script"
	"eidos-hq/speechgate/pkg/server"
	"eidos-hq/speechgate/pkg/telemetry/health"
	"eidos-hq/speechgate/pkg/telemetry/metrics"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

// app holds every long-lived component of a running gateway.
type app struct {
	holder     *config.Holder
	logger     *slog.Logger
	tracer     *tracing.Tracer
	collector  *metrics.Collector
	quota      storage.Store
	controller *limits.Controller
	selector   *routing.Selector
	upstream   *providers.HTTPSynthesizer
	dispatcher *dispatch.Dispatcher
	renderer   *script.Renderer
	cache      *cache.Cache
	eventStore events.Store
	recorder   *events.Recorder
	scheduler  *maintenance.Scheduler
	readiness  *health.Checker
	server     *server.Server

	// closers run in reverse order on shutdown.
	closers []func() error
}

// newApp builds the component graph for cfg. On error everything created
// so far is closed.
func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		holder: config.NewHolder(cfg),
		logger: logger,
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	tc := cfg.Telemetry.Tracing
	a.tracer, err = tracing.New(tracing.Config{
		Enabled:        tc.Enabled,
		Endpoint:       tc.Endpoint,
		Insecure:       tc.Insecure,
		Sampler:        tc.Sampler,
		SampleRatio:    tc.SampleRatio,
		ServiceName:    tc.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.tracer.Shutdown(ctx)
	})
	tracer := a.tracer.Tracer()

	var (
		limitMetrics    *limits.Metrics
		routingMetrics  *routing.Metrics
		dispatchMetrics *dispatch.Metrics
		cacheMetrics    *cache.Metrics
	)
	if cfg.Telemetry.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Telemetry.Metrics.Namespace)
		ns, reg := a.collector.Namespace(), a.collector.Registerer()
		limitMetrics = limits.NewMetrics(ns, reg)
		routingMetrics = routing.NewMetrics(ns, reg)
		dispatchMetrics = dispatch.NewMetrics(ns, reg)
		if cfg.Cache.Enabled {
			cacheMetrics = cache.NewMetrics(ns, reg)
		}
	}

	a.quota, err = openQuotaStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a.controller = limits.NewController(limits.Config{
		Store:                a.quota,
		MaxHeavyOperations:   cfg.Limits.MaxHeavyOperations,
		HeavyTimeout:         cfg.Limits.HeavyTimeout,
		ConcurrentRetryAfter: cfg.Limits.ConcurrentRetryAfter,
		HeavyRetryAfter:      cfg.Limits.HeavyRetryAfter,
		Metrics:              limitMetrics,
		Tracer:               tracer,
		Logger:               logger.With("component", "limits.controller"),
	})
	a.onClose(a.controller.Close)

	a.selector = routing.NewSelector(routing.Config{
		Addresses:   cfg.Relays.Endpoints,
		MaxFailures: cfg.Relays.MaxFailures,
		Cooldown:    cfg.Relays.Cooldown,
		Metrics:     routingMetrics,
		Logger:      logger.With("component", "routing.selector"),
	})

	a.upstream, err = providers.NewHTTPSynthesizer(providers.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		Path:             cfg.Upstream.Path,
		APIKey:           cfg.Upstream.APIKey,
		DefaultVoice:     cfg.Upstream.DefaultVoice,
		Timeout:          cfg.Upstream.Timeout,
		MaxResponseBytes: cfg.Upstream.MaxResponseBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	a.onClose(a.upstream.Close)

	a.dispatcher = dispatch.New(dispatch.Config{
		Selector:              a.selector,
		Synthesizer:           a.upstream,
		MaxRetries:            cfg.Dispatch.MaxRetries,
		RetryDelay:            cfg.Dispatch.RetryDelay,
		UnavailableRetryAfter: cfg.Dispatch.UnavailableRetryAfter,
		Metrics:               dispatchMetrics,
		Tracer:                tracer,
		Logger:                logger.With("component", "dispatch"),
	})

	a.renderer, err = script.NewRenderer(script.RendererConfig{
		Synthesizer: a.dispatcher,
		Workers:     cfg.Dispatch.ScriptWorkers,
		Tracer:      tracer,
		Logger:      logger.With("component", "script"),
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		a.renderer.Close()
		return nil
	})

	var (
		audioCache  server.AudioCache
		cachePruner maintenance.CachePruner
	)
	if cfg.Cache.Enabled {
		a.cache, err = openCache(cfg.Cache, cacheMetrics, logger.With("component", "cache"))
		if err != nil {
			return nil, err
		}
		audioCache, cachePruner = a.cache, a.cache
	}

	a.readiness = health.New(2 * time.Second)
	a.readiness.Register("quota_store", a.quota.Ping)

	if cfg.Events.Enabled {
		a.eventStore, err = openEventStore(cfg.Events)
		if err != nil {
			return nil, err
		}
		a.onClose(a.eventStore.Close)

		var onDrop func()
		if a.collector != nil {
			onDrop = a.collector.EventDropped
		}
		a.recorder = events.NewRecorder(a.eventStore, events.RecorderConfig{
			AsyncBuffer: cfg.Events.AsyncBuffer,
			OnDrop:      onDrop,
			Logger:      logger.With("component", "events.recorder"),
		})
		a.onClose(a.recorder.Close)
		a.readiness.Register("event_store", a.eventStore.Ping)
	}

	if cfg.Maintenance.Enabled {
		mc := maintenance.Config{
			Windows:            a.controller,
			Routes:             a.selector,
			Cache:              cachePruner,
			Quota:              a.quota,
			Events:             a.eventStore,
			CleanupSchedule:    cfg.Maintenance.CleanupSchedule,
			InitialDelay:       cfg.Maintenance.InitialDelay,
			RetentionSchedule:  cfg.Maintenance.RetentionSchedule,
			WindowIdleTTL:      cfg.Limits.WindowIdleTTL,
			QuotaRetentionDays: cfg.Storage.RetentionDays,
			EventRetentionDays: cfg.Events.RetentionDays,
			Logger:             logger.With("component", "maintenance"),
		}
		a.scheduler, err = maintenance.NewScheduler(mc)
		if err != nil {
			return nil, fmt.Errorf("failed to create maintenance scheduler: %w", err)
		}
	}

	a.server, err = server.New(server.Options{
		Config:      a.holder,
		Controller:  a.controller,
		Synthesizer: a.dispatcher,
		Renderer:    a.renderer,
		Routes:      a.selector,
		Events:      a.recorder,
		Cache:       audioCache,
		Metrics:     a.collector,
		Readiness:   a.readiness,
		Version:     Version,
		Tracer:      tracer,
		Logger:      logger.With("component", "server"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// applyConfig is the reload hook: the holder already carries updated, so
// only components that cache settings need to be told.
func (a *app) applyConfig(old, updated *config.Config) {
	a.selector.Replace(updated.Relays.Endpoints)
	if old.Limits != updated.Limits {
		a.logger.Warn("limits changes take effect after restart")
	}
	if old.Storage.Backend != updated.Storage.Backend || old.Events != updated.Events || old.Cache != updated.Cache {
		a.logger.Warn("storage changes take effect after restart")
	}
}

// close releases components in reverse creation order.
func (a *app) close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openQuotaStore opens the configured quota backend.
func openQuotaStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := storage.NewSQLiteStoreWithConfig(storage.SQLiteStoreConfig{
			DBPath:           cfg.SQLite.Path,
			SnapshotInterval: cfg.SQLite.SnapshotInterval,
			BusyTimeout:      cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open quota store: %w", err)
		}
		return st, nil
	case "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return &redisQuotaStore{
			RedisStore: storage.NewRedisStore(client,
				storage.WithKeyPrefix(cfg.Redis.KeyPrefix),
				storage.WithRowTTL(cfg.Redis.RowTTL),
			),
			client: client,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// redisQuotaStore closes the client it was opened with.
type redisQuotaStore struct {
	*storage.RedisStore
	client *goredis.Client
}

func (s *redisQuotaStore) Close() error {
	return errors.Join(s.RedisStore.Close(), s.client.Close())
}

// openCache opens the audio cache. The memory backend ignores Dir.
func openCache(cfg config.CacheConfig, m *cache.Metrics, logger *slog.Logger) (*cache.Cache, error) {
	cc := cache.Config{
		MaxBytes:   cfg.MaxBytes,
		MaxEntries: cfg.MaxEntries,
		TTL:        cfg.TTL,
		Metrics:    m,
		Logger:     logger,
	}
	switch cfg.Backend {
	case "file":
		cc.Dir = cfg.Dir
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
	c, err := cache.New(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}

// openEventStore opens the configured event backend.
func openEventStore(cfg config.EventsConfig) (events.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := events.NewSQLiteStore(events.SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		return st, nil
	case "memory":
		return events.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported events backend: %s", cfg.Backend)
	}
}
