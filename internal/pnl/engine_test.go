package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func ts(step int) time.Time {
	return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(step) * time.Hour)
}

func in(step int, qty, usd, gas string) Transfer {
	return Transfer{
		Timestamp: ts(step),
		Direction: DirectionIn,
		Quantity:  d(qty),
		USDValue:  d(usd),
		GasUSD:    d(gas),
	}
}

func out(step int, qty, usd, gas string) Transfer {
	return Transfer{
		Timestamp: ts(step),
		Direction: DirectionOut,
		Quantity:  d(qty),
		USDValue:  d(usd),
		GasUSD:    d(gas),
	}
}

func snapshot(balance, price string) TokenSnapshot {
	return TokenSnapshot{
		Ticker:          "TKN",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		Decimals:        18,
		Balance:         d(balance),
		CurrentPrice:    d(price),
	}
}

func requireDecimalEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

func TestComputeFIFOOrder(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "100", "1000", "0"), // cost 10/unit
		in(1, "50", "1000", "0"),  // cost 20/unit
		out(2, "120", "3000", "0"),
	}

	result, err := engine.Compute(snapshot("30", "25"), transfers)
	require.NoError(t, err)

	requireDecimalEqual(t, "1600", result.RealizedPNL)
	// Remainder of the second lot: 30 units at cost 20 against price 25.
	requireDecimalEqual(t, "20", result.AvgCostBasis)
	requireDecimalEqual(t, "150", result.UnrealizedPNL)
	require.Equal(t, 2, result.PositionsOpened)
	require.Equal(t, 1, result.PositionsClosed)
	assert.Empty(t, result.Warnings)
}

func TestComputeConservation(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "10", "1500", "12"),
		in(1, "4", "0", "3"),
		out(2, "6", "1100", "8"),
		out(3, "2", "0", "1"),
	}

	result, err := engine.Compute(snapshot("6", "180"), transfers)
	require.NoError(t, err)
	require.True(t, result.TotalPNL.Equal(result.RealizedPNL.Add(result.UnrealizedPNL)))
}

func TestComputeMissingPriceFallback(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "1", "0", "0"),
		in(1, "1", "2000", "0"),
	}

	result, err := engine.Compute(snapshot("2", "1500"), transfers)
	require.NoError(t, err)

	// Fallback lot costs the live price 1500; the priced lot keeps its own
	// 2000 cost, so the average lands exactly between them.
	requireDecimalEqual(t, "1750", result.AvgCostBasis)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "missing price data for transfer #1")
	assert.Contains(t, result.Warnings[0], "1500")
}

func TestComputeSellWithoutPriorBuy(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{out(0, "5", "500", "0")}

	result, err := engine.Compute(snapshot("0", "100"), transfers)
	require.NoError(t, err)

	requireDecimalEqual(t, "500", result.RealizedPNL)
	requireDecimalEqual(t, "0", result.UnrealizedPNL)
	require.Equal(t, 0, result.PositionsOpened)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "sell without prior buy for transfer #1")
}

func TestComputePartiallyUnmatchedSell(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "5", "50", "0"),   // cost 10/unit
		out(1, "8", "160", "0"), // proceeds 20/unit
	}

	result, err := engine.Compute(snapshot("0", "20"), transfers)
	require.NoError(t, err)

	// 5 matched at 10 gain each, 3 unmatched at full proceeds.
	requireDecimalEqual(t, "110", result.RealizedPNL)
	require.Equal(t, 1, result.PositionsClosed)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "3 unmatched")
}

func TestComputeBalanceMismatchTolerance(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{in(0, "10.5", "105", "0")}

	result, err := engine.Compute(snapshot("10.8", "10"), transfers)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "balance mismatch")
	assert.Contains(t, result.Warnings[0], "ledger=10.5")
	assert.Contains(t, result.Warnings[0], "actual=10.8")

	// Unrealized PNL uses the authoritative balance, not the ledger quantity:
	// (price 10 - avg cost 10) * 10.8 = 0 exactly.
	requireDecimalEqual(t, "0", result.UnrealizedPNL)
}

func TestComputeWithinToleranceNoWarning(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{in(0, "10.75", "107.5", "0")}

	result, err := engine.Compute(snapshot("10.8", "10"), transfers)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
}

func TestComputeIdempotence(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "10", "100", "1"),
		out(1, "4", "60", "0.5"),
		in(2, "2", "0", "0"),
	}
	snap := snapshot("8", "12")

	first, err := engine.Compute(snap, transfers)
	require.NoError(t, err)
	second, err := engine.Compute(snap, transfers)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestComputeZeroActivityToken(t *testing.T) {
	engine := NewEngine(Options{})

	result, err := engine.Compute(snapshot("0", "42"), nil)
	require.NoError(t, err)

	requireDecimalEqual(t, "0", result.RealizedPNL)
	requireDecimalEqual(t, "0", result.UnrealizedPNL)
	requireDecimalEqual(t, "0", result.TotalPNL)
	requireDecimalEqual(t, "0", result.Invested)
	require.Nil(t, result.ROIPercent)
	assert.Empty(t, result.Warnings)
}

func TestComputeNoHistoryButBalance(t *testing.T) {
	engine := NewEngine(Options{})

	result, err := engine.Compute(snapshot("3", "100"), nil)
	require.NoError(t, err)

	requireDecimalEqual(t, "0", result.AvgCostBasis)
	requireDecimalEqual(t, "0", result.RealizedPNL)
	requireDecimalEqual(t, "0", result.Invested)
	requireDecimalEqual(t, "300", result.UnrealizedPNL)
	requireDecimalEqual(t, "300", result.TotalPNL)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "no transfer history found but balance exists")
}

func TestComputeSoldOutPosition(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "10", "50", "0"),
		out(1, "10", "80", "0"),
	}

	result, err := engine.Compute(snapshot("0", "8"), transfers)
	require.NoError(t, err)

	requireDecimalEqual(t, "30", result.RealizedPNL)
	requireDecimalEqual(t, "0", result.UnrealizedPNL)
	requireDecimalEqual(t, "30", result.TotalPNL)
	require.Equal(t, 1, result.PositionsClosed)
}

func TestComputeGasAsymmetry(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "10", "100", "5"),   // cost (100+5)/10 = 10.5/unit
		out(1, "10", "200", "10"), // proceeds (200-10)/10 = 19/unit
	}

	result, err := engine.Compute(snapshot("0", "20"), transfers)
	require.NoError(t, err)

	requireDecimalEqual(t, "85", result.RealizedPNL)
	requireDecimalEqual(t, "105", result.Invested)
}

func TestComputeSalePriceFallback(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{
		in(0, "10", "100", "0"),
		out(1, "5", "0", "0"), // send with no quote, valued at current price
	}

	result, err := engine.Compute(snapshot("5", "30"), transfers)
	require.NoError(t, err)

	// 5 units at 30 proceeds against 10 cost.
	requireDecimalEqual(t, "100", result.RealizedPNL)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "no sale price for transfer #2")
}

func TestComputeROI(t *testing.T) {
	engine := NewEngine(Options{})

	transfers := []Transfer{in(0, "10", "100", "0")}

	result, err := engine.Compute(snapshot("10", "15"), transfers)
	require.NoError(t, err)

	require.NotNil(t, result.ROIPercent)
	requireDecimalEqual(t, "50", *result.ROIPercent)
}

func TestComputeUnsortedInputIsOrdered(t *testing.T) {
	engine := NewEngine(Options{})

	// Feed the sell first; the engine must replay chronologically.
	transfers := []Transfer{
		out(2, "120", "3000", "0"),
		in(1, "50", "1000", "0"),
		in(0, "100", "1000", "0"),
	}

	result, err := engine.Compute(snapshot("30", "25"), transfers)
	require.NoError(t, err)
	requireDecimalEqual(t, "1600", result.RealizedPNL)
}

func TestComputeStructuralErrors(t *testing.T) {
	engine := NewEngine(Options{})
	snap := snapshot("1", "10")

	cases := map[string]Transfer{
		"unknown direction": {Timestamp: ts(0), Direction: "SWAP", Quantity: d("1")},
		"zero quantity":     {Timestamp: ts(0), Direction: DirectionIn, Quantity: d("0")},
		"negative quantity": {Timestamp: ts(0), Direction: DirectionOut, Quantity: d("-2")},
		"missing timestamp": {Direction: DirectionIn, Quantity: d("1")},
	}

	for name, transfer := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Compute(snap, []Transfer{transfer})
			require.ErrorIs(t, err, ErrMalformedTransfer)
		})
	}
}

func TestSummarize(t *testing.T) {
	roi := d("10")
	tokens := []Result{
		{Invested: d("100"), CurrentValue: d("90"), RealizedPNL: d("5"), UnrealizedPNL: d("-15"), TotalPNL: d("-10"), ROIPercent: &roi},
		{Invested: d("100"), CurrentValue: d("110"), RealizedPNL: d("20"), UnrealizedPNL: d("40"), TotalPNL: d("60")},
	}

	summary := Summarize("0xabc", "eth-mainnet", tokens)

	requireDecimalEqual(t, "200", summary.TotalInvested)
	requireDecimalEqual(t, "200", summary.TotalValue)
	requireDecimalEqual(t, "25", summary.TotalRealized)
	requireDecimalEqual(t, "25", summary.TotalUnrealized)
	requireDecimalEqual(t, "50", summary.TotalPNL)
	require.NotNil(t, summary.TotalROIPercent)
	requireDecimalEqual(t, "25", *summary.TotalROIPercent)
}

func TestSummarizeZeroInvested(t *testing.T) {
	summary := Summarize("0xabc", "eth-mainnet", []Result{{TotalPNL: d("12")}})
	require.Nil(t, summary.TotalROIPercent)
}
