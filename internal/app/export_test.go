package app

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"walletpnl/internal/storage"
)

func testReport(runTS time.Time, ticker string, pnlUSD int64) storage.TokenReport {
	roi := decimal.NewFromInt(10)
	return storage.TokenReport{
		RunTS:           runTS,
		Chain:           "eth-mainnet",
		Wallet:          "0x00000000219ab540356cBB839Cbe05303d7705Fa",
		Ticker:          ticker,
		ContractAddress: "native",
		CurrentBalance:  decimal.NewFromInt(1),
		CurrentPrice:    decimal.NewFromInt(100),
		CurrentValue:    decimal.NewFromInt(100),
		AvgCostBasis:    decimal.NewFromInt(90),
		Invested:        decimal.NewFromInt(90),
		TotalPNL:        decimal.NewFromInt(pnlUSD),
		ROIPercent:      &roi,
		Warnings:        []string{"balance mismatch: ledger=1 actual=2 diff=1 (50%)"},
	}
}

func TestWriteReportsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "reports.csv")

	runTS := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reports := []storage.TokenReport{
		testReport(runTS, "ETH", 100),
		testReport(runTS, "USDC", -5),
	}

	require.NoError(t, writeReportsCSV(path, reports))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two rows")
	require.Equal(t, "run_ts", rows[0][0])
	require.Equal(t, "ETH", rows[1][3])
	require.Equal(t, "-5", rows[2][12])
}

func TestWriteReportsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports.json")

	runTS := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, writeReportsJSON(path, []storage.TokenReport{testReport(runTS, "ETH", 42)}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, "ETH", decoded[0]["ticker"])
	require.Equal(t, "42", decoded[0]["total_pnl"])
}

func TestFilterReports(t *testing.T) {
	runTS := time.Now().UTC()
	reports := []storage.TokenReport{
		testReport(runTS, "ETH", 1),
		testReport(runTS, "USDC", 2),
	}
	reports[1].Chain = "base-mainnet"

	filtered := filterReports(reports, "eth-mainnet", "")
	require.Len(t, filtered, 1)
	require.Equal(t, "ETH", filtered[0].Ticker)

	filtered = filterReports(reports, "", "0x00000000219AB540356CBB839CBE05303D7705FA")
	require.Len(t, filtered, 2, "wallet match must be case-insensitive")

	filtered = filterReports(reports, "", "0x1111111111111111111111111111111111111111")
	require.Empty(t, filtered)
}

func TestLatestRun(t *testing.T) {
	older := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	reports := []storage.TokenReport{
		testReport(older, "ETH", 1),
		testReport(newer, "ETH", 2),
		testReport(newer, "USDC", 3),
	}

	latest := latestRun(reports)
	require.Len(t, latest, 2)
	for _, report := range latest {
		require.Equal(t, newer, report.RunTS)
	}
}
