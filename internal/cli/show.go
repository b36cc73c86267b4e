package cli

import (
	"github.com/spf13/cobra"

	"walletpnl/internal/app"
)

var (
	showChain  string
	showWallet string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print recently persisted token reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Chain:  showChain,
			Wallet: showWallet,
			Limit:  showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showChain, "chain", "eth-mainnet", "Chain to filter by (with --wallet)")
	showCmd.Flags().StringVar(&showWallet, "wallet", "", "Wallet address to filter by")
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Maximum rows to print")
}
