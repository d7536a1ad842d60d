package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe [days]",
	Short: "Clear score and price history, optionally keeping the last days",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days := 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("days must be a non-negative integer, got %q", args[0])
			}
			days = n
		}
		return getApp().Wipe(cmd.Context(), days, cmd.OutOrStdout())
	},
}
