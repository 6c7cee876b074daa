// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the crawld daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/api"
	"github.com/crawlkit/crawld/internal/clock/system"
	"github.com/crawlkit/crawld/internal/config"
	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/dispatcher"
	"github.com/crawlkit/crawld/internal/eventlog"
	"github.com/crawlkit/crawld/internal/eventlog/sinks"
	collyfetch "github.com/crawlkit/crawld/internal/fetch/colly"
	"github.com/crawlkit/crawld/internal/hash/sha256"
	"github.com/crawlkit/crawld/internal/id/uuid"
	"github.com/crawlkit/crawld/internal/logging"
	"github.com/crawlkit/crawld/internal/policy/ratelimit"
	pubsubpublisher "github.com/crawlkit/crawld/internal/publisher/pubsub"
	memoryqueue "github.com/crawlkit/crawld/internal/queue/memory"
	"github.com/crawlkit/crawld/internal/registry"
	"github.com/crawlkit/crawld/internal/scheduler"
	"github.com/crawlkit/crawld/internal/storage/gcs"
	"github.com/crawlkit/crawld/internal/storage/local"
	memorystore "github.com/crawlkit/crawld/internal/storage/memory"
	"github.com/crawlkit/crawld/internal/storage/postgres"
	"github.com/crawlkit/crawld/internal/worker"
)

// App owns every long-lived service and coordinates startup and shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	hub       *eventlog.Hub
	registry  *registry.Registry
	queue     *memoryqueue.Queue
	scheduler *scheduler.Scheduler
	pool      *dispatcher.Pool
	jobs      core.JobStore
	server    *http.Server

	pgPool       *pgxpool.Pool
	pubsubClient *gcppubsub.Client
	publisher    *pubsubpublisher.Publisher
}

// New builds the full service graph from cfg. It fails fast: any backend
// that cannot be reached at startup aborts initialization.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.hub = eventlog.NewHub(eventlog.Config{
		BufferSize:  cfg.EventLog.BufferSize,
		HistorySize: cfg.EventLog.HistorySize,
		Logger:      logger.Named("eventlog"),
		BaseContext: ctx,
	}, sinks.NewLogSink(logger.Named("events")), promSink)

	clk := system.New()
	ids := uuid.New()
	hasher := sha256.New()

	plugins, jobs, records, err := a.buildStores(ctx)
	if err != nil {
		return nil, err
	}
	a.jobs = jobs

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	var pub core.Publisher
	if cfg.PubSub.Enabled {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		a.pubsubClient = client
		a.publisher, err = pubsubpublisher.New(client)
		if err != nil {
			return nil, fmt.Errorf("build publisher: %w", err)
		}
		pub = a.publisher
	}

	a.registry = registry.New(plugins, ids, clk, a.hub, logger.Named("registry"))
	a.queue = memoryqueue.NewQueue()

	retry := scheduler.NewRetryPolicy(
		cfg.Scheduler.MaxAttempts,
		time.Duration(cfg.Scheduler.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.BackoffMaxMs)*time.Millisecond,
	)
	a.scheduler = scheduler.New(
		a.registry, a.registry.Subscribe(), a.queue, jobs, ids, clk, a.hub,
		retry, logger.Named("scheduler"))

	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.RatePerHost,
			DefaultBurst: cfg.Fetch.Burst,
		}),
	})

	exec := worker.New(
		a.registry, fetcher, records, blobs, pub, hasher, jobs, clk, a.hub,
		worker.Config{
			FetchTimeout:      cfg.FetchTimeout(),
			HeartbeatInterval: cfg.HeartbeatTimeout() / 3,
			BlobPrefix:        cfg.Storage.Prefix,
			Topic:             cfg.PubSub.TopicName,
		}, logger.Named("worker"))

	a.pool = dispatcher.New(a.queue, jobs, exec, a.scheduler, clk, a.hub,
		dispatcher.Config{
			Workers:          cfg.Workers.Count,
			MinWorkers:       cfg.Workers.Min,
			MaxWorkers:       cfg.Workers.Max,
			Elastic:          cfg.Workers.Elastic,
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
		}, logger.Named("dispatcher"))

	srv := api.NewServer(a.registry, jobs, records, a.scheduler, a.pool, a.hub,
		api.Config{
			AuthEnabled: cfg.Auth.Enabled,
			APIKey:      cfg.Auth.APIKey,
			Ready:       a.ready,
		}, logger.Named("api"))

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) buildStores(ctx context.Context) (core.PluginStore, core.JobStore, core.RecordStore, error) {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns),
			MinConns:        int32(a.cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a.pgPool = pool
		if a.cfg.DB.EnsureSchemaOnStartup {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				return nil, nil, nil, err
			}
		}
		plugins, err := postgres.NewPluginStore(pool)
		if err != nil {
			return nil, nil, nil, err
		}
		jobs, err := postgres.NewJobStore(pool)
		if err != nil {
			return nil, nil, nil, err
		}
		records, err := postgres.NewRecordStore(pool)
		if err != nil {
			return nil, nil, nil, err
		}
		return plugins, jobs, records, nil
	default:
		return memorystore.NewPluginStore(), memorystore.NewJobStore(), memorystore.NewRecordStore(), nil
	}
}

func (a *App) buildBlobStore(ctx context.Context) (core.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		return memorystore.NewBlobStore(), nil
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres unreachable: %w", err)
		}
	}
	return nil
}

// Run starts the service and blocks until ctx is cancelled, then shuts the
// pieces down in dependency order: HTTP first, then scheduler and workers,
// then the event hub and backends.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.recoverInFlight(runCtx); err != nil {
		return err
	}
	if err := a.seedPlugins(runCtx); err != nil {
		return err
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Run(runCtx)
	}()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(runCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		cancel()
		<-schedDone
		<-poolDone
		a.close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	cancel()
	a.queue.Close()
	<-schedDone
	<-poolDone
	a.close()
	return nil
}

// recoverInFlight returns jobs orphaned by a previous process incarnation to
// the queue before workers start.
func (a *App) recoverInFlight(ctx context.Context) error {
	swept, err := a.jobs.SweepInFlight(ctx)
	if err != nil {
		return fmt.Errorf("sweep in-flight jobs: %w", err)
	}
	for _, job := range swept {
		item := core.QueueItem{
			JobID:      job.ID,
			PluginID:   job.PluginID,
			Priority:   job.Priority,
			Attempt:    job.Attempt,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := a.queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		a.hub.Emit(eventlog.Event{
			Level:    eventlog.LevelWarn,
			Source:   "scheduler",
			PluginID: job.PluginID,
			JobID:    job.ID,
			Message:  "job recovered after restart",
		})
	}
	if len(swept) > 0 {
		a.logger.Info("recovered in-flight jobs", zap.Int("count", len(swept)))
	}
	return nil
}

// seedPlugins registers configured plugin definitions, skipping names that
// already exist so restarts do not duplicate them.
func (a *App) seedPlugins(ctx context.Context) error {
	if len(a.cfg.Plugins) == 0 {
		return nil
	}
	existing, err := a.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, p := range existing {
		byName[p.Name] = true
	}
	for _, seed := range a.cfg.Plugins {
		if byName[seed.Name] {
			continue
		}
		plugin, err := a.registry.Create(ctx, seed.Definition())
		if err != nil {
			return fmt.Errorf("seed plugin %q: %w", seed.Name, err)
		}
		a.logger.Info("seeded plugin",
			zap.String("plugin_id", plugin.ID), zap.String("name", plugin.Name))
	}
	return nil
}

func (a *App) close() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(closeCtx); err != nil {
		a.logger.Warn("event hub close", zap.Error(err))
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	_ = a.logger.Sync()
}
