// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/api"
	"github.com/JakeFAU/indieweb-endpoint/internal/auth"
	"github.com/JakeFAU/indieweb-endpoint/internal/clock/system"
	"github.com/JakeFAU/indieweb-endpoint/internal/config"
	"github.com/JakeFAU/indieweb-endpoint/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/indieweb-endpoint/internal/fetcher/colly"
	"github.com/JakeFAU/indieweb-endpoint/internal/hash/sha256"
	"github.com/JakeFAU/indieweb-endpoint/internal/id/uuid"
	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/logging"
	"github.com/JakeFAU/indieweb-endpoint/internal/micropub"
	"github.com/JakeFAU/indieweb-endpoint/internal/policy/hostblock"
	"github.com/JakeFAU/indieweb-endpoint/internal/policy/ratelimit"
	"github.com/JakeFAU/indieweb-endpoint/internal/policy/simple"
	memorypublisher "github.com/JakeFAU/indieweb-endpoint/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/indieweb-endpoint/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/indieweb-endpoint/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/indieweb-endpoint/internal/storage/gcs"
	localstorage "github.com/JakeFAU/indieweb-endpoint/internal/storage/local"
	memorystorage "github.com/JakeFAU/indieweb-endpoint/internal/storage/memory"
	pgstore "github.com/JakeFAU/indieweb-endpoint/internal/storage/postgres"
	"github.com/JakeFAU/indieweb-endpoint/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
}

// NewApp creates an App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("site", cfg.Site.BaseURL),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("snapshots", cfg.Storage.Snapshots),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the verifier pool and HTTP server and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Webmention.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	a.Close()
	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// Close releases infrastructure clients and flushes the logger.
func (a *App) Close() {
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
	//nolint:errcheck // stderr sync fails on some platforms
	_ = a.logger.Sync()
}

type stores struct {
	queue indieweb.MentionQueue
	posts indieweb.PostStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	app.logger.Info("building application dependencies")

	ids := uuid.New()
	clock := system.New()
	hasher := sha256.New()

	st, err := setupStores(ctx, app, ids, clock)
	if err != nil {
		app.Close()
		return nil, err
	}

	blobStore, err := setupSnapshots(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	verifier, err := auth.New(auth.Config{
		TokenEndpoint: cfg.Auth.TokenEndpoint,
		Me:            cfg.Auth.Me,
		Timeout:       cfg.Auth.Timeout,
		CacheTTL:      cfg.Auth.CacheTTL,
		CacheSize:     cfg.Auth.CacheSize,
	}, &http.Client{Timeout: cfg.Auth.Timeout}, hasher, clock, logger.Named("auth"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("token verifier init failed: %w", err)
	}

	site := config.NewSite(cfg)
	posts := micropub.NewService(
		st.posts,
		verifier,
		site,
		micropub.NewRenderer(true),
		ids,
		clock,
		logger.Named("micropub"),
	)

	app.dispatch = setupDispatcher(app, st.queue, blobStore, publisher, hasher, clock)

	opts := api.Options{MaxBodyBytes: cfg.Server.MaxBodyBytes}
	if app.pool != nil {
		opts.Ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(app.dispatch, posts, site, opts, logger.Named("api"))

	return app, nil
}

func setupStores(ctx context.Context, app *App, ids indieweb.IDGenerator, clock indieweb.Clock) (stores, error) {
	cfg := app.cfg
	policy := cfg.BackoffPolicy()
	if cfg.Storage.Backend != "postgres" {
		app.logger.Info("using in-memory mention queue and post store")
		return stores{
			queue: queuememory.NewQueue(ids, clock, policy, cfg.Webmention.ClaimTTL),
			posts: memorystorage.NewPostStore(),
		}, nil
	}

	var err error
	app.pool, err = pgstore.NewPool(ctx, pgstore.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("database init failed: %w", err)
	}
	if cfg.DB.Migrate {
		if err = pgstore.Migrate(ctx, app.pool); err != nil {
			return stores{}, fmt.Errorf("database migrate failed: %w", err)
		}
		app.logger.Info("database schema applied")
	}
	queue, err := pgstore.NewMentionQueue(app.pool, ids, clock, policy, cfg.Webmention.ClaimTTL)
	if err != nil {
		return stores{}, fmt.Errorf("mention queue init failed: %w", err)
	}
	posts, err := pgstore.NewPostStore(app.pool)
	if err != nil {
		return stores{}, fmt.Errorf("post store init failed: %w", err)
	}
	app.logger.Info("using postgres mention queue and post store",
		zap.Int32("max_conns", cfg.DB.MaxConns),
		zap.Duration("claim_ttl", cfg.Webmention.ClaimTTL),
	)
	return stores{queue: queue, posts: posts}, nil
}

func setupSnapshots(ctx context.Context, app *App) (indieweb.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Snapshots {
	case "gcs":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: cfg.GCSBucket,
			Prefix: cfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS snapshot store", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local snapshot store", zap.String("path", cfg.LocalDir))
		return blobStore, nil
	case "memory":
		app.logger.Info("using in-memory snapshot store")
		return memorystorage.NewBlobStore(cfg.Prefix), nil
	default:
		app.logger.Info("source snapshots disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (indieweb.Publisher, error) {
	if app.cfg.Webmention.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.Webmention.Topic),
	)
	return app.gcpPublisher, nil
}

func setupDispatcher(
	app *App,
	queue indieweb.MentionQueue,
	blobStore indieweb.BlobStore,
	publisher indieweb.Publisher,
	hasher indieweb.Hasher,
	clock indieweb.Clock,
) *dispatcher.Dispatcher {
	cfg := app.cfg
	blocklist := hostblock.New(cfg.Policy.BlockedHosts, cfg.Policy.AllowPrivate)
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: cfg.Policy.PerHostRPS,
		Burst:      cfg.Policy.Burst,
		MaxHosts:   cfg.Policy.MaxHosts,
		IdleTTL:    cfg.Policy.HostIdleTTL,
	})
	policy := simple.New(blocklist, limiter)
	app.logger.Info("host policy configured",
		zap.Int("blocked_patterns", len(cfg.Policy.BlockedHosts)),
		zap.Bool("allow_private", cfg.Policy.AllowPrivate),
		zap.Float64("per_host_rps", cfg.Policy.PerHostRPS),
		zap.Int("burst", cfg.Policy.Burst),
	)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetcher.UserAgent,
		Timeout:      cfg.Fetcher.Timeout,
		MaxRedirects: cfg.Fetcher.MaxRedirects,
		MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		AllowHost:    blocklist.Allow,
		AllowPrivate: cfg.Policy.AllowPrivate,
	})

	workerCfg := worker.Config{
		BatchSize:      cfg.Webmention.BatchSize,
		PollInterval:   cfg.Webmention.PollInterval,
		SnapshotPrefix: "sources",
		Topic:          cfg.Webmention.Topic,
	}
	app.logger.Info("worker config",
		zap.Int("workers", cfg.Webmention.Workers),
		zap.Int("batch_size", workerCfg.BatchSize),
		zap.Duration("poll_interval", workerCfg.PollInterval),
		zap.String("topic", workerCfg.Topic),
	)

	workers := make([]*worker.Worker, 0, cfg.Webmention.Workers)
	for i := 0; i < cfg.Webmention.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			fetcher,
			policy,
			blobStore,
			publisher,
			hasher,
			clock,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(queue, workers)
}
