package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"market-strength-bot/internal/dispatch"
	"market-strength-bot/internal/storage"
)

const showTimeLayout = "2006-01-02 15:04"

// Show prints the most recent score records, price lookups and the current
// alarms.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	scores, err := st.scores.ListScores(ctx)
	if err != nil {
		return err
	}
	alarms, err := st.alarms.List(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(writer, "Time\tAlts vs BTC\tAlts short\tCoins long")
	for _, rec := range tail(scores, opts.Limit) {
		fmt.Fprintf(writer, "%s\t%.1f\t%.1f\t%.1f\n", rec.Timestamp.Format(showTimeLayout), rec.BTC, rec.USDT, rec.Long)
	}
	if len(scores) == 0 {
		fmt.Fprintln(writer, "(no score records)")
	}

	fmt.Fprintln(writer, "\nTime\tList\tCoin\tPrice")
	rows := st.prices.Rows()
	for _, row := range tail(rows, opts.Limit) {
		entry, err := storage.ParsePriceRow(row, st.cfg.Location)
		if err != nil {
			a.Logger.Debug().Err(err).Strs("row", row).Msg("skipping unparsable price row")
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", entry.Timestamp.Format(showTimeLayout), entry.List, entry.Coin, dispatch.FormatPrice(entry.Price))
	}
	if len(rows) == 0 {
		fmt.Fprintln(writer, "(no price lookups)")
	}

	fmt.Fprintln(writer, "\nID\tSchedule\tCommands\tRepeat\tNext fire")
	nextFire := nextFireFunc(alarms, a.Config)
	for _, al := range alarms {
		repeat := ""
		if al.Repeated {
			repeat = "yes"
		}
		next := "-"
		if nextFire != nil {
			if at, ok := nextFire(al.Key); ok {
				next = at.Format(showTimeLayout)
			}
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n", al.ID, al.Schedule.Describe(), al.CommandLine(), repeat, next)
	}
	if len(alarms) == 0 {
		fmt.Fprintln(writer, "(no alarms)")
	}

	return writer.Flush()
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
