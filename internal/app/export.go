package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"walletpnl/internal/storage"
)

// Export renders persisted token reports as CSV and/or a PNG bar chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.JSONPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv, --json, or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reports, err := a.loadReports(ctx, store, opts)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		a.Logger.Info().Msg("no reports found for export window")
		return nil
	}

	a.Logger.Info().Int("rows", len(reports)).Msg("exporting reports")

	if opts.CSVPath != "" {
		if err := writeReportsCSV(opts.CSVPath, reports); err != nil {
			return err
		}
	}

	if opts.JSONPath != "" {
		if err := writeReportsJSON(opts.JSONPath, reports); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReportsPNG(opts.PNGPath, reports); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) loadReports(ctx context.Context, store *storage.Store, opts ExportOptions) ([]storage.TokenReport, error) {
	if opts.From != nil || opts.To != nil {
		to := time.Now().UTC()
		if opts.To != nil {
			to = opts.To.UTC()
		}
		from := to.Add(-30 * 24 * time.Hour)
		if opts.From != nil {
			from = opts.From.UTC()
		}
		if !from.Before(to) {
			return nil, errors.New("from must be before to")
		}

		reports, err := store.ListReportsBetween(ctx, from, to, opts.MaxRows)
		if err != nil {
			return nil, err
		}
		return filterReports(reports, opts.Chain, opts.Wallet), nil
	}

	if opts.Wallet != "" {
		return store.ListReportsForWallet(ctx, opts.Chain, opts.Wallet, opts.MaxRows)
	}
	return store.ListRecentReports(ctx, opts.MaxRows)
}

func filterReports(reports []storage.TokenReport, chain, wallet string) []storage.TokenReport {
	if chain == "" && wallet == "" {
		return reports
	}
	filtered := make([]storage.TokenReport, 0, len(reports))
	for _, report := range reports {
		if chain != "" && report.Chain != chain {
			continue
		}
		if wallet != "" && !strings.EqualFold(report.Wallet, wallet) {
			continue
		}
		filtered = append(filtered, report)
	}
	return filtered
}

func writeReportsCSV(path string, reports []storage.TokenReport) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"run_ts", "chain", "wallet", "ticker", "contract_address",
		"current_balance", "current_price", "current_value",
		"avg_cost_basis", "total_invested",
		"realized_pnl", "unrealized_pnl", "total_pnl", "roi_percent",
		"positions_opened", "positions_closed", "warnings",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, report := range reports {
		roi := ""
		if report.ROIPercent != nil {
			roi = report.ROIPercent.String()
		}
		record := []string{
			report.RunTS.UTC().Format(time.RFC3339),
			report.Chain,
			report.Wallet,
			report.Ticker,
			report.ContractAddress,
			report.CurrentBalance.String(),
			report.CurrentPrice.String(),
			report.CurrentValue.String(),
			report.AvgCostBasis.String(),
			report.Invested.String(),
			report.RealizedPNL.String(),
			report.UnrealizedPNL.String(),
			report.TotalPNL.String(),
			roi,
			strconv.Itoa(report.PositionsOpened),
			strconv.Itoa(report.PositionsClosed),
			strings.Join(report.Warnings, "; "),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReportsJSON(path string, reports []storage.TokenReport) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reports)
}

// writeReportsPNG charts per-token total PNL for the latest run in the set.
func writeReportsPNG(path string, reports []storage.TokenReport) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	latest := latestRun(reports)
	bars := make([]chart.Value, 0, len(latest))
	for _, report := range latest {
		bars = append(bars, chart.Value{
			Label: report.Ticker,
			Value: report.TotalPNL.InexactFloat64(),
		})
	}
	if len(bars) == 0 {
		return errors.New("no rows for png export")
	}

	graph := chart.BarChart{
		Title:    "Total PNL by token (USD)",
		Width:    1280,
		Height:   720,
		BarWidth: 48,
		Bars:     bars,
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func latestRun(reports []storage.TokenReport) []storage.TokenReport {
	var maxTS time.Time
	for _, report := range reports {
		if report.RunTS.After(maxTS) {
			maxTS = report.RunTS
		}
	}
	latest := make([]storage.TokenReport, 0, len(reports))
	for _, report := range reports {
		if report.RunTS.Equal(maxTS) {
			latest = append(latest, report)
		}
	}
	return latest
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
