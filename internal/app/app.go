package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"walletpnl/internal/alerting"
	"walletpnl/internal/config"
	"walletpnl/internal/fetcher"
	"walletpnl/internal/scheduler"
	"walletpnl/internal/service"
	"walletpnl/internal/storage"
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

func (a *App) newFetcher() *fetcher.Covalent {
	return fetcher.NewCovalent(fetcher.Options{
		APIKey:           a.Config.Covalent.APIKey,
		BaseURL:          a.Config.Covalent.BaseURL,
		QuoteCurrency:    a.Config.Analysis.QuoteCurrency,
		IncludeNFTs:      a.Config.Analysis.IncludeNFTs,
		NoSpam:           a.Config.Analysis.NoSpam,
		PageSize:         a.Config.Covalent.PageSize,
		MaxPages:         a.Config.Covalent.MaxPages,
		Timeout:          a.Config.Covalent.RequestTimeout,
		RetryMaxTries:    a.Config.Covalent.RetryMaxTries,
		RetryInitialWait: a.Config.Covalent.RetryInitialWait,
		UserAgent:        a.Config.Covalent.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
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

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(sched *scheduler.Scheduler, store *storage.Store) *service.Service {
	client := a.newFetcher()
	notifier := a.newNotifier()

	var reports storage.ReportStore
	if store != nil {
		reports = store
	}

	return service.New(a.Config, sched, client, client, reports, notifier, a.Logger)
}

// Watch executes the long-running periodic analysis service.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(sched, store)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting watch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch service stopped")
	return nil
}

// AnalyzeOptions configure a one-shot analysis run.
type AnalyzeOptions struct {
	JSONPath string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Chain  string
	Wallet string
	Limit  int
}

// ExportOptions hold parameters for exporting historical reports.
type ExportOptions struct {
	Chain   string
	Wallet  string
	From    *time.Time
	To      *time.Time
	CSVPath  string
	JSONPath string
	PNGPath  string
	MaxRows  int
}
