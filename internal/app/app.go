package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sentiment-pulse/internal/alerting"
	"sentiment-pulse/internal/config"
	"sentiment-pulse/internal/fetcher"
	"sentiment-pulse/internal/metrics"
	"sentiment-pulse/internal/scheduler"
	"sentiment-pulse/internal/service"
	"sentiment-pulse/internal/sharescache"
	"sentiment-pulse/internal/storage"
	"sentiment-pulse/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() *fetcher.HTTPSource {
	cfg := a.Config.Source
	retry := fetcher.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.MaxBackoff
	}

	return fetcher.NewHTTPSource(fetcher.HTTPOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Exchange:  cfg.Exchange,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Retry:     retry,
	}, a.Logger)
}

// newSharesCache puts the redis cache in front of the source. Without redis.url the
// cache degrades to a pass-through.
func (a *App) newSharesCache(ctx context.Context, source fetcher.SharesSource) (*sharescache.Cache, func(), error) {
	var client *redis.Client
	closer := func() {}
	if a.Config.Redis.URL != "" {
		c, err := sharescache.Connect(ctx, a.Config.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		client = c
		closer = func() { _ = c.Close() }
	} else {
		a.Logger.Warn().Msg("redis.url not configured; shares outstanding fetched on every run")
	}

	cache := sharescache.New(client, source, sharescache.Options{
		KeyPrefix: a.Config.Redis.KeyPrefix,
		MaxAge:    a.Config.Redis.SharesTTL,
	}, a.Logger)
	return cache, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens PostgreSQL for commands that cannot run without persisted history.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn not configured; cannot %s", purpose)
	}
	return store, closeStore, nil
}

// pipeline bundles a ready service with its cleanup.
type pipeline struct {
	svc    *service.Service
	cache  *sharescache.Cache
	closer func()
}

func (a *App) newPipeline(ctx context.Context, store storage.HistoryStore, notifier alerting.Notifier) (*pipeline, error) {
	source := a.newSource()
	cache, closeCache, err := a.newSharesCache(ctx, source)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(service.OptionsFromConfig(a.Config), source, cache, store, notifier, a.Logger)
	if err != nil {
		closeCache()
		return nil, err
	}
	return &pipeline{svc: svc, cache: cache, closer: closeCache}, nil
}

// Run executes the long-running daily service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Logger.Info().Str("version", version.Version).Str("commit", version.Commit).Msg("starting sentiment pulse service")

	var history storage.HistoryStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; history kept in memory and lost on exit")
		history = storage.NewMemoryStore()
	} else {
		history = store
		defer closeStore()
	}

	p, err := a.newPipeline(ctx, history, a.newNotifier())
	if err != nil {
		return err
	}
	defer p.closer()

	loc, err := time.LoadLocation(a.Config.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load scheduler timezone: %w", err)
	}

	daily, err := scheduler.New(scheduler.Options{
		Name:         "pulse",
		Cron:         a.Config.Scheduler.Cron,
		Location:     loc,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		WeekdaysOnly: true,
	}, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daily.Run(gctx, p.svc.Tick)
	})

	if a.Config.Scheduler.SharesCron != "" {
		sharesSched, err := scheduler.New(scheduler.Options{
			Name:     "shares",
			Cron:     a.Config.Scheduler.SharesCron,
			Location: loc,
		}, a.Logger)
		if err != nil {
			return err
		}
		tickers := p.svc.Tickers()
		g.Go(func() error {
			return sharesSched.Run(gctx, func(ctx context.Context, _ time.Time) error {
				_, err := p.cache.Refresh(ctx, tickers)
				return err
			})
		})
	}

	if a.Config.Metrics.Enabled {
		metrics.Register()
		g.Go(func() error {
			return metrics.Serve(gctx, a.Config.Metrics.Listen, a.Logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sentiment pulse service stopped")
	return nil
}

// ProcessOptions configure a one-off run.
type ProcessOptions struct {
	Date time.Time
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Date  *time.Time
	Runs  bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
