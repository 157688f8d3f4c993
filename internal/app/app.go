// Package app initializes and holds long-lived application services, acting
// as the dependency container for the CLI and the status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/config"
	"github.com/JakeFAU/listing-photo-ingest/internal/contentstore"
	"github.com/JakeFAU/listing-photo-ingest/internal/dedup"
	"github.com/JakeFAU/listing-photo-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-photo-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/orchestrator"
	"github.com/JakeFAU/listing-photo-ingest/internal/phash"
	"github.com/JakeFAU/listing-photo-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
	"github.com/JakeFAU/listing-photo-ingest/internal/progress/sinks"
	"github.com/JakeFAU/listing-photo-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-photo-ingest/internal/source/gallery"
	"github.com/JakeFAU/listing-photo-ingest/internal/source/static"
	"github.com/JakeFAU/listing-photo-ingest/internal/standardize"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/gcs"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/local"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/postgres"
)

// Options overrides pieces of the container, mostly for tests.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
	Clock      ingest.Clock
	IDs        ingest.IDGenerator
	// Sources replaces the configured sources when non-nil.
	Sources []ingest.Source
	// HTTPClient is used by configured sources instead of a fresh transport.
	HTTPClient *http.Client
	// Publisher replaces the Pub/Sub client when pubsub is enabled.
	Publisher sinks.Publisher
	// RunSink replaces the Postgres run mirror.
	RunSink state.RunSink
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	tracker      *state.Tracker
	runs         *state.RunRecorder
	orchestrator *orchestrator.Orchestrator
	hub          *progress.Hub

	runStore  *postgres.RunStore
	publisher *pubsub.Publisher
	gcsClient *storage.Client
}

// New builds every service described by cfg. It fails fast: anything opened
// before an error is closed again.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}
	ids := opts.IDs
	if ids == nil {
		ids = uuid.New()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("close after failed start", zap.Error(cerr))
			}
		}
	}()

	logger.Info("initializing application services",
		zap.String("state_dir", cfg.State.Dir),
		zap.String("store_dir", cfg.Store.Dir),
		zap.String("config", cfg.File),
	)

	a.tracker, err = state.Open(cfg.State, clk.Now, logger.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	dcfg := cfg.Dedup
	dcfg.Path = cfg.DedupPath()
	index, err := dedup.Open(dcfg, logger.Named("dedup"))
	if err != nil {
		return nil, fmt.Errorf("open dedup index: %w", err)
	}

	var storeOpts []contentstore.Option
	if cfg.Store.GCS.Bucket != "" {
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		mirror, err := gcs.New(a.gcsClient, cfg.Store.GCS)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, contentstore.WithMirror(mirror))
		logger.Info("mirroring images to gcs", zap.String("bucket", cfg.Store.GCS.Bucket))
	}
	if cfg.Store.Mirror.Dir != "" {
		mirror, err := local.New(cfg.Store.Mirror)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, contentstore.WithMirror(mirror))
		logger.Info("mirroring images to directory", zap.String("dir", cfg.Store.Mirror.Dir))
	}
	store, err := contentstore.New(cfg.Store.Dir, logger.Named("store"), storeOpts...)
	if err != nil {
		return nil, err
	}

	runSink := opts.RunSink
	if runSink == nil && cfg.DB.DSN != "" {
		a.runStore, err = postgres.NewRunStore(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		if err := a.runStore.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		runSink = a.runStore
		logger.Info("mirroring run logs to postgres", zap.String("table", cfg.DB.Table))
	}
	a.runs = state.NewRunRecorder(cfg.State.Dir, cfg.State.HistoryKeep, clk.Now, runSink, logger.Named("runs"))

	hubSinks, err := a.progressSinks(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(cfg.Progress, logger.Named("progress"), hubSinks...)

	sources := opts.Sources
	if sources == nil {
		sources, err = buildSources(cfg, opts.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
	}

	ccfg := cfg.Concurrency
	ccfg.SourceOverrides = sourceOverrides(cfg.Sources)
	manager := concurrency.NewManager(ccfg, cfg.Breaker, cfg.Errors, clk.Now, logger.Named("concurrency"))

	a.orchestrator, err = orchestrator.New(cfg.Extract, orchestrator.Deps{
		Sources:      sources,
		Manager:      manager,
		Standardizer: standardize.New(cfg.Standardize),
		Hasher:       phash.New(),
		Dedup:        index,
		Store:        store,
		State:        a.tracker,
		Runs:         a.runs,
		Progress:     a.hub,
		Clock:        clk,
		IDs:          ids,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("application services initialized", zap.Int("sources", len(sources)))
	return a, nil
}

func (a *App) progressSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("events")), promSink}

	if !a.cfg.PubSub.Enabled {
		return out, nil
	}
	pub := opts.Publisher
	if pub == nil {
		a.publisher, err = pubsub.New(ctx, a.cfg.PubSub.Config, a.logger)
		if err != nil {
			return nil, err
		}
		pub = a.publisher
	}
	pubSink, err := sinks.NewPubSubSink(pub, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, err
	}
	return append(out, pubSink), nil
}

// buildSources instantiates the configured adapters, each with its own
// fetcher so errors and metrics carry the source name.
func buildSources(cfg config.Config, hc *http.Client, logger *zap.Logger) ([]ingest.Source, error) {
	out := make([]ingest.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		var fc *fetcher.Client
		if hc != nil {
			fc = fetcher.NewWithHTTPClient(sc.Name, cfg.HTTP, hc, logger)
		} else {
			fc = fetcher.New(sc.Name, cfg.HTTP, logger)
		}
		switch sc.Type {
		case config.SourceStatic:
			src, err := static.Load(sc.Name, sc.ListingsFile, fc)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			out = append(out, src)
		case config.SourceGallery:
			gc := sc.Config
			if gc.UserAgent == "" {
				gc.UserAgent = cfg.HTTP.UserAgent
			}
			if gc.Timeout <= 0 {
				gc.Timeout = cfg.HTTP.Timeout
			}
			src, err := gallery.New(gc, fc, logger.Named("gallery"))
			if err != nil {
				return nil, err
			}
			out = append(out, src)
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", sc.Name, sc.Type)
		}
	}
	return out, nil
}

func sourceOverrides(sources []config.SourceConfig) map[string]ratelimit.Override {
	out := make(map[string]ratelimit.Override)
	for _, sc := range sources {
		if sc.RPS > 0 {
			out[sc.Name] = ratelimit.Override{RPS: sc.RPS, Burst: sc.Burst}
		}
	}
	return out
}

// Config returns the configuration the container was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the extraction engine.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// RecentRuns returns up to n finalized runs, newest first. Postgres is
// preferred when configured since local history is pruned.
func (a *App) RecentRuns(ctx context.Context, n int) ([]state.RunLog, error) {
	if a.runStore != nil {
		runs, err := a.runStore.ListRuns(ctx, n)
		if err == nil {
			return runs, nil
		}
		a.logger.Warn("list runs from postgres; falling back to history files", zap.Error(err))
	}
	return a.runs.RecentRuns(n)
}

// Close flushes progress events and releases external clients. State is
// checkpointed by the orchestrator at the end of every run, not here.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	return errors.Join(errs...)
}
