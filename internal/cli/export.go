package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-strength-bot/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export score history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		loc, err := a.Config.Location()
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		if opts.From, err = parseBound("--from", exportFrom, loc); err != nil {
			return err
		}
		if opts.To, err = parseBound("--to", exportTo, loc); err != nil {
			return err
		}

		return a.Export(cmd.Context(), opts)
	},
}

// parseBound accepts RFC3339 or a plain date in the bot's timezone.
func parseBound(flag, raw string, loc *time.Location) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts, nil
	}
	ts, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: want RFC3339 or YYYY-MM-DD", flag, raw)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
