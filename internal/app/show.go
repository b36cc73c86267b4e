package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"walletpnl/internal/storage"
)

// Show prints recently persisted token reports.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show reports")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var reports []storage.TokenReport
	if opts.Wallet != "" {
		reports, err = store.ListReportsForWallet(ctx, opts.Chain, opts.Wallet, opts.Limit)
	} else {
		reports, err = store.ListRecentReports(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(os.Stdout, "no reports found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run (UTC)\tChain\tWallet\tToken\tBalance\tValue\tRealized\tUnrealized\tTotal PNL\tROI%\tWarnings")

	for _, report := range reports {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			report.RunTS.UTC().Format(time.RFC3339),
			report.Chain,
			shortAddress(report.Wallet),
			report.Ticker,
			report.CurrentBalance.StringFixed(4),
			report.CurrentValue.StringFixed(2),
			report.RealizedPNL.StringFixed(2),
			report.UnrealizedPNL.StringFixed(2),
			report.TotalPNL.StringFixed(2),
			formatROI(report.ROIPercent),
			len(report.Warnings),
		)
	}

	writer.Flush()
	return nil
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + ".." + addr[len(addr)-4:]
}
