package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var alarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "Manage scheduled alarms offline",
}

var alarmAddCmd = &cobra.Command{
	Use:   "add <HH:MM | YYYY-MM-DD HH:MM> <commands...>",
	Short: "Add a daily or one-shot alarm",
	Example: `  strengthbot alarm add 21:00 AP F1
  strengthbot alarm add 2025-07-20 23:00 P BTC ETH`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlarmAdd(cmd.Context(), args, cmd.OutOrStdout())
	},
}

var alarmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alarms with their current ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlarmList(cmd.Context(), cmd.OutOrStdout())
	},
}

var alarmDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete the alarm with the given id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid alarm id %q", args[0])
		}
		return getApp().AlarmDelete(cmd.Context(), id, cmd.OutOrStdout())
	},
}

func init() {
	alarmCmd.AddCommand(alarmAddCmd, alarmListCmd, alarmDeleteCmd)
}
