// Package app wires the long-lived services together and owns their
// startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub/v2"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/admission"
	"github.com/templatehive/scraper/internal/api"
	"github.com/templatehive/scraper/internal/browser"
	"github.com/templatehive/scraper/internal/clock/system"
	"github.com/templatehive/scraper/internal/config"
	"github.com/templatehive/scraper/internal/failwatch"
	"github.com/templatehive/scraper/internal/logging"
	"github.com/templatehive/scraper/internal/metrics"
	"github.com/templatehive/scraper/internal/orchestrator"
	"github.com/templatehive/scraper/internal/progress"
	"github.com/templatehive/scraper/internal/progress/sinks"
	"github.com/templatehive/scraper/internal/publisher"
	pubsubpub "github.com/templatehive/scraper/internal/publisher/pubsub"
	"github.com/templatehive/scraper/internal/ratelimit"
	"github.com/templatehive/scraper/internal/scrape"
	"github.com/templatehive/scraper/internal/storage"
	"github.com/templatehive/scraper/internal/storage/gcs"
	"github.com/templatehive/scraper/internal/storage/memory"
	"github.com/templatehive/scraper/internal/store"
	"github.com/templatehive/scraper/internal/writebuf"
)

const shutdownGrace = 15 * time.Second

// App holds every long-lived service. Build one with New, serve with
// Run, and tear it down with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	catalog *store.Catalog
	buffer  *writebuf.Buffer
	hub     *progress.Hub
	pool    *browser.Pool
	orch    *orchestrator.Orchestrator
	httpSrv *http.Server

	pubsubClient *gpubsub.Client
}

// New initializes every service from cfg, failing fast on the first
// collaborator that cannot start.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	catalog, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := catalog.EnsureSchema(ctx); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	objects, err := newObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	buffer, err := writebuf.New(catalog, writebuf.Config{
		MaxBatch:   cfg.DB.FlushBatch,
		Debounce:   time.Duration(cfg.DB.FlushDebounceMs) * time.Millisecond,
		MaxRetries: cfg.DB.FlushRetries,
		Logger:     logger.Named("writebuf"),
	})
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("init write buffer: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	)

	gate, err := admission.New(cfg.Scraper.Concurrency)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("init admission gate: %w", err)
	}

	pool := browser.New(browser.Config{
		Sessions:        cfg.Browser.Sessions,
		PagesPerSession: cfg.Browser.PagesPerSession,
		UserAgent:       cfg.Browser.UserAgent,
		CheckoutTimeout: time.Duration(cfg.Browser.CheckoutTimeoutSec) * time.Second,
		SessionMaxUses:  cfg.Browser.SessionMaxUses,
	}, nil, nil, logger.Named("browser"))
	if err := pool.Start(ctx); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("start browser pool: %w", err)
	}

	processor := scrape.NewProcessor(scrape.ProcessorConfig{
		NavTimeout:       cfg.NavTimeout(),
		ScreenshotPrefix: cfg.Storage.Prefix,
		Resolver: scrape.ResolverConfig{
			UserAgent: cfg.Browser.UserAgent,
		},
		Stabilizer: scrape.StabilizerConfig{
			Interval:  time.Duration(cfg.Stabilize.IntervalMs) * time.Millisecond,
			MinStable: time.Duration(cfg.Stabilize.MinStableMs) * time.Millisecond,
			MaxWait:   time.Duration(cfg.Stabilize.MaxWaitSec) * time.Second,
		},
	}, objects, logger.Named("scrape"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scraper.HostRPS,
		DefaultBurst: 1,
	})

	var notifier publisher.Publisher
	var pubsubClient *gpubsub.Client
	if cfg.PubSub.Enabled {
		pubsubClient, err = gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			pool.Close()
			catalog.Close()
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		logger.Info("publishing ingest notifications",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName))
		notifier = pubsubpub.New(pubsubClient.Publisher(cfg.PubSub.TopicName))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Concurrency:   cfg.Scraper.Concurrency,
		BatchSize:     cfg.Scraper.BatchSize,
		ProgressEvery: cfg.Scraper.ProgressEvery,
		UnitTimeout:   cfg.UnitTimeout(),
		FailureWatch: failwatch.Config{
			Window:         cfg.Scraper.FailureWindow,
			MaxConsecutive: cfg.Scraper.MaxConsecutiveFail,
			FailureRatio:   cfg.Scraper.FailureRatio,
		},
	}, orchestrator.Deps{
		Gate:        gate,
		Pool:        pool,
		Processor:   processor,
		Persister:   buffer,
		Checkpoints: catalog,
		Hub:         hub,
		Limiter:     limiter,
		Notifier:    notifier,
		Clock:       system.New(),
		Logger:      logger.Named("orchestrator"),
	})
	if err != nil {
		pool.Close()
		catalog.Close()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	server := api.NewServer(orch, buffer, logger.Named("api"))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		catalog:      catalog,
		buffer:       buffer,
		hub:          hub,
		pool:         pool,
		orch:         orch,
		httpSrv:      httpSrv,
		pubsubClient: pubsubClient,
	}, nil
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		logger.Info("storing screenshots in gcs", zap.String("bucket", cfg.GCSBucket))
		return gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
	case "memory":
		logger.Warn("storing screenshots in memory, they will not survive a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves the HTTP API until ctx is cancelled, then drains in-flight
// work and shuts the server down.
func (a *App) Run(ctx context.Context) error {
	interrupted, err := a.orch.ListInterrupted(ctx)
	if err != nil {
		a.logger.Warn("could not list interrupted runs", zap.Error(err))
	} else if len(interrupted) > 0 {
		for _, snap := range interrupted {
			a.logger.Info("interrupted run awaiting resume",
				zap.String("run_id", snap.ID.String()),
				zap.Int("remaining", snap.Remaining))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	return <-errCh
}

// Close tears services down in reverse dependency order. Safe to call
// after Run returns.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	a.pool.Close()
	if err := a.buffer.Close(ctx); err != nil {
		a.logger.Warn("write buffer close", zap.Error(err))
	}
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close", zap.Error(err))
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	a.catalog.Close()
	_ = a.logger.Sync()
}
