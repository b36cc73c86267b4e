package cli

import (
	"github.com/spf13/cobra"

	"walletpnl/internal/app"
)

var analyzeJSONPath string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a one-shot PNL analysis of the configured wallets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context(), app.AnalyzeOptions{
			JSONPath: analyzeJSONPath,
		})
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeJSONPath, "json", "", "Path to write the full analysis as JSON")
}
