// Package server builds the listing monitor from configuration and owns the
// lifecycle of every long-lived component.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/api"
	"github.com/JakeFAU/listing-monitor/internal/clock/system"
	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/detect"
	"github.com/JakeFAU/listing-monitor/internal/detector"
	"github.com/JakeFAU/listing-monitor/internal/dispatcher"
	"github.com/JakeFAU/listing-monitor/internal/executor"
	"github.com/JakeFAU/listing-monitor/internal/extract"
	collyfetcher "github.com/JakeFAU/listing-monitor/internal/fetcher/colly"
	directfetcher "github.com/JakeFAU/listing-monitor/internal/fetcher/direct"
	headlessfetcher "github.com/JakeFAU/listing-monitor/internal/fetcher/headless"
	rodfetcher "github.com/JakeFAU/listing-monitor/internal/fetcher/rod"
	"github.com/JakeFAU/listing-monitor/internal/hash/sha256"
	"github.com/JakeFAU/listing-monitor/internal/id/uuid"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/notify"
	pubsubnotify "github.com/JakeFAU/listing-monitor/internal/notify/pubsub"
	"github.com/JakeFAU/listing-monitor/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
	queueMemory "github.com/JakeFAU/listing-monitor/internal/queue/memory"
	"github.com/JakeFAU/listing-monitor/internal/registry"
	"github.com/JakeFAU/listing-monitor/internal/scheduler"
	"github.com/JakeFAU/listing-monitor/internal/scrape"
	gcsstorage "github.com/JakeFAU/listing-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-monitor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/listing-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-monitor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/listing-monitor/internal/storage/sqlite"
)

const (
	notifyTimeout     = 10 * time.Second
	dumpSweepInterval = time.Hour
	shutdownTimeout   = 10 * time.Second
)

type namedCloser struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	repo      monitor.Repository
	registry  *registry.Static
	queue     *queueMemory.Queue
	executor  *executor.Executor
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	pruner    scrape.Pruner
	closers   []namedCloser
}

// ScrapeResult is the outcome of a synchronous scrape.
type ScrapeResult struct {
	Task     monitor.ScrapeTask `json:"task"`
	Snapshot *monitor.Snapshot  `json:"snapshot,omitempty"`
	Alerts   []monitor.Alert    `json:"alerts,omitempty"`
}

// Build creates the application's dependencies. Resources opened before a
// failure are released before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := app.Close(); closeErr != nil {
				logger.Warn("cleanup after failed build", zap.Error(closeErr))
			}
		}
	}()

	logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("notify", cfg.Notify.Backend),
		zap.Bool("render", cfg.Render.Enabled),
		zap.Int("proxies", len(cfg.Proxy.Endpoints)),
	)

	app.registry, err = registry.Load(cfg.TrackedItems(), cfg.Registry.File)
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}
	logger.Info("tracked items loaded", zap.Int("count", app.registry.Len()))

	if app.repo, err = setupRepository(ctx, app); err != nil {
		return nil, err
	}

	clock := system.New()
	scraper, err := setupScraper(ctx, app, clock)
	if err != nil {
		return nil, err
	}

	notifier, err := setupNotifier(ctx, app)
	if err != nil {
		return nil, err
	}

	app.executor, err = executor.New(executor.Config{
		RetryCeiling:   cfg.Task.RetryCeiling,
		RetryDelay:     cfg.Task.RetryDelay,
		AttemptTimeout: cfg.Task.AttemptTimeout,
	}, executor.Deps{
		Repository: app.repo,
		Registry:   app.registry,
		Scraper:    scraper,
		Detector:   detect.New(),
		Notifier:   notifier,
		Clock:      clock,
		IDs:        uuid.New(),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("executor init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Task.QueueDepth)
	app.dispatch, err = dispatcher.New(dispatcher.Config{
		Workers:       cfg.Task.Concurrency,
		SweepInterval: cfg.Task.SweepInterval,
	}, app.queue, app.repo, app.executor, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	if cfg.Scheduler.Enabled {
		loc, locErr := cfg.Scheduler.LoadLocation()
		if locErr != nil {
			return nil, locErr
		}
		app.scheduler, err = scheduler.New(scheduler.Config{Times: cfg.Scheduler.Times, Location: loc},
			app.registry, app.repo, app.dispatch, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Repository:  app.repo,
		Registry:    app.registry,
		Retriggerer: app.executor,
		Offerer:     app.dispatch,
		Logger:      logger,
	})
	return app, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func setupRepository(ctx context.Context, app *App) (monitor.Repository, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "postgres":
		repo, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres repository init failed: %w", err)
		}
		app.addCloser("postgres", repo.Close)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("using postgres repository")
		return repo, nil
	case "sqlite":
		repo, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite repository init failed: %w", err)
		}
		app.addCloser("sqlite", repo.Close)
		app.logger.Info("using sqlite repository", zap.String("path", cfg.SQLitePath))
		return repo, nil
	default:
		app.logger.Warn("using in-memory repository, history is lost on restart")
		return memoryStorage.NewRepository(), nil
	}
}

func setupScraper(ctx context.Context, app *App, clock *system.Clock) (*scrape.Orchestrator, error) {
	cfg := app.cfg
	logger := app.logger

	pool, err := proxypool.New(cfg.Proxy.PoolConfig(), logger.Named("proxypool"))
	if err != nil {
		return nil, fmt.Errorf("proxy pool init failed: %w", err)
	}
	if pool.Size() == 0 {
		logger.Warn("no proxy endpoints configured, fetching directly")
	}

	heuristic := detector.New(detector.Config{
		ChallengeMarkers: cfg.Detector.ChallengeMarkers,
		MinBodyBytes:     cfg.Detector.MinBodyBytes,
		StockProbe:       cfg.Render.StockProbe,
	})

	colly := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Fetch.UserAgent, Timeout: cfg.Fetch.Timeout}, pool, heuristic, logger)
	app.addCloser("colly", func() error { colly.Close(); return nil })
	direct := directfetcher.New(directfetcher.Config{UserAgent: cfg.Fetch.UserAgent, Timeout: cfg.Fetch.Timeout}, pool, heuristic, logger)
	app.addCloser("nethttp", func() error { direct.Close(); return nil })

	renderer, err := setupRenderer(cfg, pool, heuristic, logger)
	if err != nil {
		return nil, err
	}

	dumper, err := setupDiagnostics(ctx, app)
	if err != nil {
		return nil, err
	}

	orch, err := scrape.New(scrape.Config{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BackoffBase: cfg.Fetch.BackoffBase,
		BackoffMax:  cfg.Fetch.BackoffMax,
	}, scrape.Deps{
		Static:   []monitor.Fetcher{colly, direct},
		Renderer: renderer,
		Extractor: extract.New(
			extract.WithHasher(sha256.New()),
			extract.WithClock(clock.Now),
			extract.WithLogger(logger),
		),
		Advisor: heuristic,
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.SiteRPS, DefaultBurst: cfg.Fetch.SiteBurst}),
		Sleeper: clock,
		Dumper:  dumper,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orch, nil
}

func setupRenderer(cfg config.Config, pool *proxypool.Pool, heuristic *detector.Heuristic, logger *zap.Logger) (monitor.Fetcher, error) {
	if !cfg.Render.Enabled {
		logger.Info("rendering tier disabled")
		return headlessfetcher.NewDisabled(), nil
	}
	switch cfg.Render.Driver {
	case "rod":
		renderer, err := rodfetcher.New(rodfetcher.Config{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Render.NavTimeout,
		}, pool, heuristic, logger)
		if err != nil {
			return nil, fmt.Errorf("rod renderer init failed: %w", err)
		}
		logger.Info("using rod renderer", zap.Int("max_parallel", cfg.Render.MaxParallel))
		return renderer, nil
	default:
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Render.NavTimeout,
		}, pool, heuristic, logger)
		if err != nil {
			return nil, fmt.Errorf("chromedp renderer init failed: %w", err)
		}
		logger.Info("using chromedp renderer", zap.Int("max_parallel", cfg.Render.MaxParallel))
		return renderer, nil
	}
}

// setupDiagnostics returns a nil Dumper when dumps are disabled.
func setupDiagnostics(ctx context.Context, app *App) (scrape.Dumper, error) {
	cfg := app.cfg.Diagnostics
	if !cfg.Enabled {
		return nil, nil
	}
	var store monitor.BlobStore
	switch cfg.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.addCloser("gcs", client.Close)
		gcs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		store = gcs
		app.logger.Info("diagnostic dumps go to GCS, retention is left to bucket lifecycle rules",
			zap.String("bucket", cfg.Bucket))
	case "memory":
		mem := memoryStorage.NewBlobStore()
		store, app.pruner = mem, mem
		app.logger.Info("diagnostic dumps kept in memory")
	default:
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		store, app.pruner = local, local
		app.logger.Info("diagnostic dumps written locally", zap.String("path", cfg.BaseDir))
	}
	return scrape.NewBlobDumper(store, cfg.Prefix, app.logger), nil
}

func setupNotifier(ctx context.Context, app *App) (*notify.Dispatcher, error) {
	cfg := app.cfg.Notify
	var deliverer monitor.Deliverer
	switch cfg.Backend {
	case "pubsub":
		d, closer, err := pubsubnotify.Dial(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		app.addCloser("pubsub", closer)
		deliverer = d
		app.logger.Info("alerts published to Pub/Sub",
			zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
	case "memory":
		deliverer = notify.NewMemoryDeliverer()
	default:
		deliverer = notify.NewLogDeliverer(app.logger)
	}
	return notify.NewDispatcher(deliverer, notifyTimeout, app.logger), nil
}

// Handler exposes the ops router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the scheduler, the dump sweeper and the ops HTTP
// server, and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Task.Concurrency))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Run(ctx)
		}()
	} else {
		a.logger.Info("scheduler disabled")
	}

	if a.pruner != nil && a.cfg.Diagnostics.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scrape.SweepDumps(ctx, a.pruner, a.cfg.Diagnostics.Retention, dumpSweepInterval, a.logger)
		}()
	}

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.queue.Close()
	wg.Wait()
	a.logger.Info("workers stopped")
	return nil
}

// ScrapeOnce runs one attempt for itemID in the calling goroutine.
func (a *App) ScrapeOnce(ctx context.Context, itemID string) (ScrapeResult, error) {
	task, err := a.executor.NewTask(ctx, itemID)
	if err != nil {
		return ScrapeResult{}, err
	}
	task, err = a.executor.Run(ctx, task.ID)
	if err != nil {
		return ScrapeResult{Task: task}, err
	}
	snap, err := a.repo.LatestSnapshot(ctx, itemID)
	if err != nil {
		return ScrapeResult{Task: task}, fmt.Errorf("load snapshot: %w", err)
	}
	result := ScrapeResult{Task: task, Snapshot: snap}
	if snap != nil {
		result.Alerts, err = a.repo.ListAlerts(ctx, itemID, snap.CapturedAt, time.Time{})
		if err != nil {
			return result, fmt.Errorf("load alerts: %w", err)
		}
	}
	return result, nil
}

// Retrigger resets a FAILED task to PENDING. A running instance sharing the
// same store picks it up on its next retry sweep.
func (a *App) Retrigger(ctx context.Context, taskID string) (monitor.ScrapeTask, error) {
	return a.executor.Retrigger(ctx, taskID)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
