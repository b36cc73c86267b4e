package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"walletpnl/internal/pnl"
)

// TokenReport is one persisted per-token PNL record from a single run.
type TokenReport struct {
	RunTS           time.Time        `json:"run_ts"`
	Chain           string           `json:"chain"`
	Wallet          string           `json:"wallet"`
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
	CreatedAt       time.Time        `json:"created_at"`
}

// NewTokenReport binds an engine result to its run identity.
func NewTokenReport(runTS time.Time, chain, wallet string, result pnl.Result) TokenReport {
	return TokenReport{
		RunTS:           runTS,
		Chain:           chain,
		Wallet:          wallet,
		Ticker:          result.Ticker,
		ContractAddress: result.ContractAddress,
		CurrentBalance:  result.CurrentBalance,
		CurrentPrice:    result.CurrentPrice,
		CurrentValue:    result.CurrentValue,
		AvgCostBasis:    result.AvgCostBasis,
		Invested:        result.Invested,
		RealizedPNL:     result.RealizedPNL,
		UnrealizedPNL:   result.UnrealizedPNL,
		TotalPNL:        result.TotalPNL,
		ROIPercent:      result.ROIPercent,
		PositionsOpened: result.PositionsOpened,
		PositionsClosed: result.PositionsClosed,
		Warnings:        result.Warnings,
	}
}
