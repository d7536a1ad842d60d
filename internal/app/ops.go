package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"market-strength-bot/internal/alarm"
	"market-strength-bot/internal/bot"
	"market-strength-bot/internal/config"
	"market-strength-bot/internal/dispatch"
)

// Report measures market strength once, appends the record to the score
// history and prints the rendered report.
func (a *App) Report(ctx context.Context, opts ReportOptions, out io.Writer) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	var sender dispatch.Sender = &dispatch.WriterSender{W: out}
	if opts.Send {
		if err := a.Config.RequireChat(); err != nil {
			return err
		}
		sender = a.newTelegram()
	}

	return a.newDispatcher(st).Report(ctx, sender)
}

// Wipe clears the score history and price log, keeping the last days of
// rows when days > 0.
func (a *App) Wipe(ctx context.Context, days int, out io.Writer) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	sum, err := a.newPolicy(st).Wipe(ctx, days)
	fmt.Fprintf(out, "scores: %d -> %d rows\nprices: %d -> %d rows\n",
		sum.Scores.Before, sum.Scores.After, sum.Prices.Before, sum.Prices.After)
	return err
}

// AlarmAdd parses "HH:MM cmds..." or "YYYY-MM-DD HH:MM cmds..." and stores
// the alarm. A running service picks it up on its next start.
func (a *App) AlarmAdd(ctx context.Context, args []string, out io.Writer) error {
	loc, err := a.Config.Location()
	if err != nil {
		return err
	}
	sched, commands, err := alarm.ParseSpec(args, loc)
	if err != nil {
		return err
	}

	store, err := alarm.OpenStore(a.Config.Storage.AlarmLogPath, loc, a.Logger)
	if err != nil {
		return err
	}
	created, err := store.Create(ctx, sched, commands, false)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "alarm %d: %s → %s\n", created.ID, created.Schedule.Describe(), created.CommandLine())
	return nil
}

// AlarmList prints the stored alarms with their current ids.
func (a *App) AlarmList(ctx context.Context, out io.Writer) error {
	store, err := a.openAlarms()
	if err != nil {
		return err
	}
	alarms, err := store.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, bot.RenderAlarmList(alarms, nextFireFunc(alarms, a.Config)))
	return nil
}

// nextFireFunc computes fire times offline, from the schedules alone.
func nextFireFunc(alarms []alarm.Alarm, cfg *config.Config) func(string) (time.Time, bool) {
	loc, err := cfg.Location()
	if err != nil {
		return nil
	}
	now := time.Now()
	byKey := make(map[string]alarm.Schedule, len(alarms))
	for _, al := range alarms {
		byKey[al.Key] = al.Schedule
	}
	return func(key string) (time.Time, bool) {
		sched, ok := byKey[key]
		if !ok {
			return time.Time{}, false
		}
		return sched.Next(now, loc)
	}
}

// AlarmDelete removes the alarm with the given 1-based id.
func (a *App) AlarmDelete(ctx context.Context, id int, out io.Writer) error {
	store, err := a.openAlarms()
	if err != nil {
		return err
	}
	removed, err := store.Delete(ctx, id)
	if errors.Is(err, alarm.ErrNotFound) {
		return fmt.Errorf("alarm %d does not exist", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted alarm %d: %s → %s\n", id, removed.Schedule.Describe(), removed.CommandLine())
	return nil
}

func (a *App) openAlarms() (*alarm.Store, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	return alarm.OpenStore(a.Config.Storage.AlarmLogPath, loc, a.Logger)
}
