package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"walletpnl/internal/alerting"
	"walletpnl/internal/config"
	"walletpnl/internal/fetcher"
	"walletpnl/internal/pnl"
	"walletpnl/internal/scheduler"
	"walletpnl/internal/storage"
)

// Service orchestrates balance fetching, FIFO analysis, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	balances  fetcher.BalanceFetcher
	transfers fetcher.TransferFetcher
	engine    *pnl.Engine
	store     storage.ReportStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	wallets     []string
	chains      []string
	workers     int
	alertsOn    bool
	drawdownPct decimal.Decimal
	gainPct     decimal.Decimal
	channels    []string
	locker      storage.AdvisoryLocker
	lockKey     int64
}

// New constructs the analysis service.
func New(cfg *config.Config, sched *scheduler.Scheduler, balances fetcher.BalanceFetcher, transfers fetcher.TransferFetcher, store storage.ReportStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	drawdown := decimal.Zero
	gain := decimal.Zero
	if cfg.Alerting.Enabled {
		if cfg.Alerting.DrawdownPct > 0 {
			drawdown = decimal.NewFromFloat(cfg.Alerting.DrawdownPct)
		}
		if cfg.Alerting.GainPct > 0 {
			gain = decimal.NewFromFloat(cfg.Alerting.GainPct)
		}
	}

	workers := cfg.Analysis.Workers
	if workers < 1 {
		workers = 1
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:   sched,
		balances:    balances,
		transfers:   transfers,
		engine:      pnl.NewEngine(pnl.Options{PriceTolerance: decimal.NewFromFloat(cfg.Analysis.PriceTolerance)}),
		store:       store,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		wallets:     cfg.Analysis.Wallets,
		chains:      cfg.Analysis.Chains,
		workers:     workers,
		alertsOn:    cfg.Alerting.Enabled,
		drawdownPct: drawdown,
		gainPct:     gain,
		channels:    cfg.Alerting.Channels,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the periodic watch loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessRun)
}

// ProcessRun executes one scheduled analysis run behind the advisory lock.
func (s *Service) ProcessRun(ctx context.Context, runTS time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("run_ts", runTS).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.RunOnce(ctx, runTS)
	return err
}

// RunOnce analyzes every configured chain and wallet pair and returns the
// wallet summaries. Failures on one wallet do not abort the others.
func (s *Service) RunOnce(ctx context.Context, runTS time.Time) ([]pnl.WalletSummary, error) {
	summaries := make([]pnl.WalletSummary, 0, len(s.chains)*len(s.wallets))
	var failures int

	for _, chain := range s.chains {
		for _, wallet := range s.wallets {
			summary, err := s.AnalyzeWallet(ctx, runTS, chain, wallet)
			if err != nil {
				if ctx.Err() != nil {
					return summaries, ctx.Err()
				}
				failures++
				s.logger.Error().Err(err).
					Str("chain", chain).
					Str("wallet", wallet).
					Msg("wallet analysis failed")
				continue
			}
			summaries = append(summaries, summary)
		}
	}

	if failures > 0 && len(summaries) == 0 {
		return nil, fmt.Errorf("all %d wallet analyses failed", failures)
	}
	return summaries, nil
}

// AnalyzeWallet runs the full pipeline for a single wallet on a single chain:
// fetch balances, fetch transfer history per token, compute FIFO PNL,
// persist reports, and dispatch alerts.
func (s *Service) AnalyzeWallet(ctx context.Context, runTS time.Time, chain, wallet string) (pnl.WalletSummary, error) {
	balances, err := s.balances.FetchBalances(ctx, chain, wallet)
	if err != nil {
		return pnl.WalletSummary{}, fmt.Errorf("fetch balances: %w", err)
	}

	results := make([]*pnl.Result, len(balances.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, token := range balances.Assets {
		g.Go(func() error {
			transfers, err := s.transfers.FetchTransfers(gctx, chain, wallet, token)
			if err != nil {
				return fmt.Errorf("fetch transfers for %s: %w", token.Ticker, err)
			}

			result, err := s.engine.Compute(token, transfers)
			if err != nil {
				if errors.Is(err, pnl.ErrMalformedTransfer) {
					s.logger.Warn().Err(err).
						Str("chain", chain).
						Str("wallet", wallet).
						Str("ticker", token.Ticker).
						Msg("skipping token with malformed transfer history")
					return nil
				}
				return fmt.Errorf("compute pnl for %s: %w", token.Ticker, err)
			}
			results[i] = &result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pnl.WalletSummary{}, err
	}

	tokens := make([]pnl.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			tokens = append(tokens, *r)
		}
	}

	summary := pnl.Summarize(wallet, chain, tokens)

	s.logger.Info().
		Str("chain", chain).
		Str("wallet", wallet).
		Int("tokens", len(tokens)).
		Str("total_pnl", summary.TotalPNL.String()).
		Msg("wallet analyzed")

	s.persist(ctx, runTS, summary)
	s.maybeAlert(ctx, runTS, summary)

	return summary, nil
}

func (s *Service) persist(ctx context.Context, runTS time.Time, summary pnl.WalletSummary) {
	if s.store == nil {
		return
	}
	for _, token := range summary.Tokens {
		report := storage.NewTokenReport(runTS, summary.Chain, summary.Wallet, token)
		if err := s.store.UpsertTokenReport(ctx, report); err != nil {
			s.logger.Error().Err(err).
				Str("wallet", summary.Wallet).
				Str("ticker", token.Ticker).
				Msg("failed to persist token report")
		}
	}
}

func (s *Service) maybeAlert(ctx context.Context, runTS time.Time, summary pnl.WalletSummary) {
	if !s.alertsOn || s.notifier == nil || summary.TotalROIPercent == nil {
		return
	}

	roi := *summary.TotalROIPercent
	var direction string
	var threshold decimal.Decimal

	switch {
	case !s.drawdownPct.IsZero() && roi.LessThanOrEqual(s.drawdownPct.Neg()):
		direction = "drawdown"
		threshold = s.drawdownPct
	case !s.gainPct.IsZero() && roi.GreaterThanOrEqual(s.gainPct):
		direction = "gain"
		threshold = s.gainPct
	default:
		return
	}

	note := alerting.Notification{
		RunTS:        runTS,
		Wallet:       summary.Wallet,
		Chain:        summary.Chain,
		TotalValue:   summary.TotalValue,
		TotalPNL:     summary.TotalPNL,
		ROIPercent:   roi,
		ThresholdPct: threshold,
		Direction:    direction,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).
			Str("wallet", summary.Wallet).
			Str("direction", direction).
			Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
