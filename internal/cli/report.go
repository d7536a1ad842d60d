package cli

import (
	"github.com/spf13/cobra"

	"market-strength-bot/internal/app"
)

var reportSend bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Measure market strength once and print the report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Report(cmd.Context(), app.ReportOptions{Send: reportSend}, cmd.OutOrStdout())
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportSend, "send", false, "Post the report to the configured Telegram chat")
}
