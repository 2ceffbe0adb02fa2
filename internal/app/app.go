// Package app builds the long-lived services from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/api"
	"github.com/JakeFAU/feed-ingestor/internal/clock/system"
	"github.com/JakeFAU/feed-ingestor/internal/config"
	"github.com/JakeFAU/feed-ingestor/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/feed-ingestor/internal/fetcher/colly"
	"github.com/JakeFAU/feed-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/feed-ingestor/internal/id/uuid"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/metrics"
	"github.com/JakeFAU/feed-ingestor/internal/normalize"
	"github.com/JakeFAU/feed-ingestor/internal/pipeline"
	"github.com/JakeFAU/feed-ingestor/internal/policy/ratelimit"
	"github.com/JakeFAU/feed-ingestor/internal/policy/ssrf"
	"github.com/JakeFAU/feed-ingestor/internal/pruner"
	queueMemory "github.com/JakeFAU/feed-ingestor/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/feed-ingestor/internal/queue/pubsub"
	"github.com/JakeFAU/feed-ingestor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/feed-ingestor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/feed-ingestor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/feed-ingestor/internal/storage/memory"
	pgstore "github.com/JakeFAU/feed-ingestor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/feed-ingestor/internal/storage/sqlite"
	"github.com/JakeFAU/feed-ingestor/internal/telemetry"
	"github.com/JakeFAU/feed-ingestor/internal/worker"
)

// ServiceName identifies the process in traces.
const ServiceName = "feed-ingestor"

// Version is overridden at build time.
var Version = "dev"

// App holds the shared, long-lived services.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  ingest.Clock

	store      ingest.Store
	queue      ingest.Queue
	blobs      ingest.BlobStore
	blobCloser func() error

	validator  *ssrf.Validator
	fetcher    *collyfetcher.Fetcher
	normalizer *normalize.Normalizer
	processor  *pipeline.Processor
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	pruner     *pruner.Pruner

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies. On error, anything already opened
// is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.TraceProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if err := a.build(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.store, err = a.setupStore(ctx); err != nil {
		return err
	}
	if a.queue, err = a.setupQueue(ctx); err != nil {
		return err
	}
	if a.blobs, err = a.setupArchive(ctx); err != nil {
		return err
	}

	a.validator = ssrf.New()
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Fetch.MaxBodyBytes,
		RedirectGuard: a.validator,
	})
	a.normalizer = normalize.New(normalize.Config{
		SummaryMaxRunes: a.cfg.Normalize.SummaryMaxRunes,
		ContentMaxRunes: a.cfg.Normalize.ContentMaxRunes,
	})

	deps := pipeline.Deps{
		Validator:  a.validator,
		Fetcher:    a.fetcher,
		Normalizer: a.normalizer,
		Items:      a.store,
		Clock:      a.clock,
	}
	if a.blobs != nil {
		deps.Blobs = a.blobs
		deps.Hasher = sha256.New()
	}
	a.processor, err = pipeline.New(deps, pipeline.Config{ArchivePrefix: a.cfg.Archive.Prefix}, a.logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: a.cfg.Fetch.PerHostRPS,
		Burst:      a.cfg.Fetch.PerHostBurst,
	})
	backoff := ingest.NewExponentialBackoff(a.cfg.RetryBase(), a.cfg.RetryMax())
	a.worker, err = worker.New(a.processor, a.store, backoff, limiter, a.clock, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatcher, err = dispatcher.New(a.store, a.queue, uuid.New(),
		dispatcher.Config{BatchSize: a.cfg.Queue.BatchSize}, a.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.pruner, err = pruner.New(a.store, a.clock, a.cfg.Retention.Days, a.logger.Named("pruner"))
	if err != nil {
		return fmt.Errorf("pruner init failed: %w", err)
	}
	return nil
}

func (a *App) setupStore(ctx context.Context) (ingest.Store, error) {
	switch a.cfg.DB.Driver {
	case config.ProviderPostgres:
		a.logger.Info("using postgres store", zap.String("sources_table", a.cfg.DB.SourcesTable))
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:          a.cfg.DB.DSN,
			SourcesTable: a.cfg.DB.SourcesTable,
			ItemsTable:   a.cfg.DB.ItemsTable,
			MaxConns:     a.cfg.DB.MaxConns,
			MinConns:     a.cfg.DB.MinConns,
		}, a.clock, a.logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return store, nil
	case config.ProviderSQLite:
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.DB.Path))
		store, err := sqlitestore.Open(ctx, a.cfg.DB.Path, a.clock, a.logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Warn("using in-memory store; sources and items are lost on exit")
		return memoryStorage.NewStore(a.clock), nil
	}
}

func (a *App) setupQueue(ctx context.Context) (ingest.Queue, error) {
	if a.cfg.Queue.Provider == config.ProviderPubSub {
		q, err := queuePubSub.Open(ctx, queuePubSub.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			TopicID:        a.cfg.PubSub.TopicID,
			SubscriptionID: a.cfg.PubSub.SubscriptionID,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
			NumGoroutines:  a.cfg.PubSub.NumGoroutines,
			MaxAttempts:    a.cfg.Queue.MaxAttempts,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.logger.Info("using pubsub queue",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicID),
		)
		return q, nil
	}
	a.logger.Info("using in-memory queue", zap.Int("consumers", a.cfg.Queue.Consumers))
	return queueMemory.NewQueue(queueMemory.Config{
		Capacity:    a.cfg.Queue.Capacity,
		Consumers:   a.cfg.Queue.Consumers,
		MaxAttempts: a.cfg.Queue.MaxAttempts,
	}, a.logger.Named("memory_queue")), nil
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ProviderGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.blobCloser = store.Close
		a.logger.Info("archiving raw feeds to gcs", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case config.ProviderLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw feeds locally", zap.String("dir", a.cfg.Archive.Dir))
		return store, nil
	case config.ProviderMemory:
		return memoryStorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the source and item store.
func (a *App) Store() ingest.Store { return a.store }

// Dispatcher returns the dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Pruner returns the retention pruner.
func (a *App) Pruner() *pruner.Pruner { return a.pruner }

// Worker returns the delivery handler.
func (a *App) Worker() *worker.Worker { return a.worker }

// Serve runs the queue consumer, the optional scheduler and the ops API until ctx
// is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("queue consumer started")
		if err := a.queue.Consume(ctx, a.worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("consume: %w", err)
			cancel()
		}
	}()

	if a.cfg.Schedule.Enabled {
		sched, err := scheduler.New(a.dispatcher, a.pruner, a.clock, scheduler.Config{
			DispatchInterval: a.cfg.Schedule.DispatchInterval,
			DispatchOnStart:  a.cfg.Schedule.DispatchOnStart,
			PruneHour:        a.cfg.Schedule.PruneHour,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	apiServer := api.NewServer(a.store, a.dispatcher, a.pruner, api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
	}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// RunOnce dispatches every source once. With the in-memory queue nothing outlives the
// process, so the work is consumed in-process and RunOnce returns after the queue drains;
// retries still waiting on their backoff are abandoned. Other transports leave the work
// to their consumers.
func (a *App) RunOnce(ctx context.Context) (dispatcher.Result, error) {
	mq, ok := a.queue.(*queueMemory.Queue)
	if !ok {
		return a.dispatcher.Run(ctx)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if err := mq.Consume(consumeCtx, a.worker.Handle); err != nil {
			a.logger.Error("in-process consume failed", zap.Error(err))
		}
	}()

	res, err := a.dispatcher.Run(ctx)
	drainErr := mq.Drain(ctx)
	cancel()
	<-consumed

	if err != nil {
		return res, err
	}
	if drainErr != nil {
		return res, fmt.Errorf("drain queue: %w", drainErr)
	}
	a.logger.Info("one-shot dispatch processed",
		zap.String("dispatch_id", res.DispatchID),
		zap.Int("enqueued", res.Enqueued),
	)
	return res, nil
}

// Close releases every opened resource. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.queue != nil {
			if err := a.queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue: %w", err))
			}
		}
		if a.blobCloser != nil {
			if err := a.blobCloser(); err != nil {
				errs = append(errs, fmt.Errorf("close archive: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
