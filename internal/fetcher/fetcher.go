package fetcher

import (
	"context"
	"time"

	"walletpnl/internal/pnl"
)

// WalletBalances is the current asset view for one wallet on one chain.
type WalletBalances struct {
	Wallet    string
	Chain     string
	UpdatedAt time.Time
	Assets    []pnl.TokenSnapshot
}

// BalanceFetcher retrieves the current token balances for a wallet.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context, chain, wallet string) (WalletBalances, error)
}

// TransferFetcher retrieves the full transfer history for one token,
// chronologically sorted and restricted to transfers involving the wallet.
type TransferFetcher interface {
	FetchTransfers(ctx context.Context, chain, wallet string, token pnl.TokenSnapshot) ([]pnl.Transfer, error)
}
