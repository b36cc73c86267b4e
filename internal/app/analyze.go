package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"walletpnl/internal/pnl"
)

// Analyze runs a single analysis pass over the configured wallets and prints
// a per-token breakdown with wallet totals.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.newService(nil, store)

	runTS := time.Now().UTC().Truncate(time.Second)
	summaries, err := svc.RunOnce(ctx, runTS)
	if err != nil {
		return err
	}

	for _, summary := range summaries {
		printSummary(os.Stdout, summary)
	}

	if opts.JSONPath != "" {
		if err := writeSummariesJSON(opts.JSONPath, runTS, summaries); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.JSONPath).Msg("wrote analysis json")
	}

	return nil
}

func printSummary(out *os.File, summary pnl.WalletSummary) {
	fmt.Fprintf(out, "\nWallet %s on %s\n", summary.Wallet, summary.Chain)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Token\tBalance\tPrice\tValue\tAvg Cost\tInvested\tRealized\tUnrealized\tTotal PNL\tROI%\tWarnings")

	for _, token := range summary.Tokens {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			token.Ticker,
			token.CurrentBalance.StringFixed(4),
			token.CurrentPrice.StringFixed(2),
			token.CurrentValue.StringFixed(2),
			token.AvgCostBasis.StringFixed(2),
			token.Invested.StringFixed(2),
			token.RealizedPNL.StringFixed(2),
			token.UnrealizedPNL.StringFixed(2),
			token.TotalPNL.StringFixed(2),
			formatROI(token.ROIPercent),
			len(token.Warnings),
		)
	}
	writer.Flush()

	fmt.Fprintf(out, "Totals: value=%s invested=%s realized=%s unrealized=%s pnl=%s roi=%s\n",
		summary.TotalValue.StringFixed(2),
		summary.TotalInvested.StringFixed(2),
		summary.TotalRealized.StringFixed(2),
		summary.TotalUnrealized.StringFixed(2),
		summary.TotalPNL.StringFixed(2),
		formatROI(summary.TotalROIPercent),
	)

	for _, token := range summary.Tokens {
		for _, warning := range token.Warnings {
			fmt.Fprintf(out, "  warning [%s]: %s\n", token.Ticker, warning)
		}
	}
}

func formatROI(roi *decimal.Decimal) string {
	if roi == nil {
		return "n/a"
	}
	return roi.StringFixed(2)
}

func writeSummariesJSON(path string, runTS time.Time, summaries []pnl.WalletSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	payload := struct {
		RunTS   time.Time           `json:"run_ts"`
		Wallets []pnl.WalletSummary `json:"wallets"`
	}{RunTS: runTS, Wallets: summaries}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
