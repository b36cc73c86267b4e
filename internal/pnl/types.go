package pnl

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether a transfer moved tokens into or out of the wallet.
type Direction string

const (
	// DirectionIn marks a buy or receive.
	DirectionIn Direction = "IN"
	// DirectionOut marks a sell or send.
	DirectionOut Direction = "OUT"
)

// Transfer is one successful token movement involving the wallet, already
// decimal-converted from raw units. A zero USDValue means the indexer had no
// historical price for the transfer.
type Transfer struct {
	TxHash    string
	Timestamp time.Time
	Direction Direction
	Quantity  decimal.Decimal
	USDValue  decimal.Decimal
	GasUSD    decimal.Decimal
}

// TokenSnapshot is the current on-chain view of one token held by the wallet.
// Balance is authoritative; the FIFO ledger is reconciled against it.
type TokenSnapshot struct {
	Ticker          string
	ContractAddress string
	Decimals        int
	Native          bool
	Balance         decimal.Decimal
	CurrentPrice    decimal.Decimal
	CurrentValue    decimal.Decimal
}

// position is a FIFO lot. costPerUnit is fixed at creation; only qty shrinks.
type position struct {
	qty         decimal.Decimal
	costPerUnit decimal.Decimal
}

// Result is the PNL record for a single token. Warning strings and field
// names are a stable contract: exports and reports key off them.
type Result struct {
	Ticker          string           `json:"ticker"`
	ContractAddress string           `json:"contract_address"`
	CurrentBalance  decimal.Decimal  `json:"current_balance"`
	CurrentPrice    decimal.Decimal  `json:"current_price"`
	CurrentValue    decimal.Decimal  `json:"current_value"`
	AvgCostBasis    decimal.Decimal  `json:"avg_cost_basis"`
	Invested        decimal.Decimal  `json:"total_invested"`
	RealizedPNL     decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPNL   decimal.Decimal  `json:"unrealized_pnl"`
	TotalPNL        decimal.Decimal  `json:"total_pnl"`
	ROIPercent      *decimal.Decimal `json:"roi_percent"`
	PositionsOpened int              `json:"positions_opened"`
	PositionsClosed int              `json:"positions_closed"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// WalletSummary aggregates token results for one wallet on one chain.
type WalletSummary struct {
	Wallet          string           `json:"wallet"`
	Chain           string           `json:"chain"`
	Tokens          []Result         `json:"tokens"`
	TotalInvested   decimal.Decimal  `json:"total_invested"`
	TotalValue      decimal.Decimal  `json:"total_current_value"`
	TotalRealized   decimal.Decimal  `json:"total_realized_pnl"`
	TotalUnrealized decimal.Decimal  `json:"total_unrealized_pnl"`
	TotalPNL        decimal.Decimal  `json:"total_pnl"`
	TotalROIPercent *decimal.Decimal `json:"total_roi_percent"`
}

// Summarize folds token results into wallet-level totals.
func Summarize(wallet, chain string, tokens []Result) WalletSummary {
	summary := WalletSummary{Wallet: wallet, Chain: chain, Tokens: tokens}
	for _, token := range tokens {
		summary.TotalInvested = summary.TotalInvested.Add(token.Invested)
		summary.TotalValue = summary.TotalValue.Add(token.CurrentValue)
		summary.TotalRealized = summary.TotalRealized.Add(token.RealizedPNL)
		summary.TotalUnrealized = summary.TotalUnrealized.Add(token.UnrealizedPNL)
		summary.TotalPNL = summary.TotalPNL.Add(token.TotalPNL)
	}
	if summary.TotalInvested.IsPositive() {
		roi := summary.TotalPNL.Div(summary.TotalInvested).Mul(decimal.NewFromInt(100))
		summary.TotalROIPercent = &roi
	}
	return summary
}
