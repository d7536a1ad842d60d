package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market-strength-bot/internal/alarm"
	"market-strength-bot/internal/dispatch"
	"market-strength-bot/internal/retention"
	"market-strength-bot/internal/storage"
	"market-strength-bot/internal/telegram"
)

const (
	usageAlarm    = "❌ Usage: /alarm 21:00 ap f1 or /alarm 2025-07-20 21:00 ap f1"
	usageDelAlarm = "❌ Usage: /delalarm ID"
	usageWipe     = "❌ Usage: /wipe [days]"
	noAlarms      = "⏹ No alarms."

	callbackStop   = "stop"
	callbackRepeat = "repeat"

	repeatDelay = 24 * time.Hour
)

func (b *Bot) cmdAlarm(ctx context.Context, chatID string, args []string) {
	sched, commands, err := alarm.ParseSpec(args, b.deps.Location)
	if err != nil || len(commands) == 0 {
		b.replyText(ctx, chatID, usageAlarm)
		return
	}

	a, err := b.deps.Store.Create(ctx, sched, commands, false)
	switch {
	case errors.Is(err, alarm.ErrPastFireTime):
		b.replyText(ctx, chatID, "❌ That date and time is in the past.")
		return
	case err != nil:
		b.logger.Error().Err(err).Strs("args", args).Msg("alarm create failed")
		b.replyText(ctx, chatID, fmt.Sprintf("❌ Could not set alarm: %v", err))
		return
	}

	if _, err := b.deps.Scheduler.Arm(a); err != nil {
		b.logger.Error().Err(err).Str("key", a.Key).Msg("alarm stored but not armed")
	}

	kind := "Daily"
	when := a.Schedule.TimeOfDay.String()
	if a.Schedule.Kind == alarm.KindOnce {
		kind = "One-time"
		when = a.Schedule.FireAt.Format(time.DateTime)
	}
	b.replyText(ctx, chatID, fmt.Sprintf("✅ %s alarm set: %s → %s", kind, when, a.CommandLine()))
}

func (b *Bot) cmdAlarmList(ctx context.Context, chatID string) {
	if _, err := b.deps.Maintenance.SweepAlarms(ctx, b.deps.Now()); err != nil {
		b.logger.Warn().Err(err).Msg("alarm sweep before listing failed")
	}

	alarms, err := b.deps.Store.List(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("alarm list failed")
		b.replyText(ctx, chatID, fmt.Sprintf("❌ Could not list alarms: %v", err))
		return
	}
	b.replyText(ctx, chatID, RenderAlarmList(alarms, b.deps.Scheduler.NextFire))
}

// RenderAlarmList formats alarms with their current ids. next, when given,
// supplies the armed fire time of each alarm.
func RenderAlarmList(alarms []alarm.Alarm, next func(key string) (time.Time, bool)) string {
	if len(alarms) == 0 {
		return noAlarms
	}
	var sb strings.Builder
	sb.WriteString("📋 Alarms:")
	for _, a := range alarms {
		fmt.Fprintf(&sb, "\n%d) %s → %s", a.ID, a.Schedule.Describe(), a.CommandLine())
		if a.Repeated {
			sb.WriteString(" 🔁")
		}
		if next == nil {
			continue
		}
		if at, ok := next(a.Key); ok && a.Schedule.Kind == alarm.KindDaily {
			fmt.Fprintf(&sb, " (next %s)", at.Format(storage.TimestampLayout))
		}
	}
	return sb.String()
}

func (b *Bot) cmdDelAlarm(ctx context.Context, chatID string, args []string) {
	if len(args) == 0 {
		b.replyText(ctx, chatID, usageDelAlarm)
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		b.replyText(ctx, chatID, usageDelAlarm)
		return
	}

	removed, err := b.deps.Store.Delete(ctx, id)
	switch {
	case errors.Is(err, alarm.ErrNotFound):
		alarms, listErr := b.deps.Store.List(ctx)
		if listErr == nil && len(alarms) == 0 {
			b.replyText(ctx, chatID, noAlarms)
			return
		}
		b.replyText(ctx, chatID, "❌ Invalid ID.")
	case err != nil:
		b.logger.Error().Err(err).Int("id", id).Msg("alarm delete failed")
		b.replyText(ctx, chatID, fmt.Sprintf("❌ Could not delete alarm: %v", err))
	default:
		b.replyText(ctx, chatID, fmt.Sprintf("✅ Alarm deleted: %s → %s", removed.Schedule.Describe(), removed.CommandLine()))
	}
}

func (b *Bot) cmdWipe(ctx context.Context, chatID string, args []string) {
	days := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			b.replyText(ctx, chatID, usageWipe)
			return
		}
		days = n
	}

	sum, err := b.deps.Maintenance.Wipe(ctx, days)
	if err != nil {
		b.logger.Error().Err(err).Int("days", days).Msg("wipe failed")
		b.replyText(ctx, chatID, fmt.Sprintf("❌ Wipe incomplete: %v", err))
		return
	}
	scope := "all history"
	if days > 0 {
		scope = fmt.Sprintf("history older than %d days", days)
	}
	b.replyText(ctx, chatID, fmt.Sprintf("🧹 Wiped %s: %d score rows, %d price rows removed.",
		scope, sum.Scores.Removed(), sum.Prices.Removed()))
}

// Fire is the alarm.FireFunc: it posts the alarm header with stop and repeat
// buttons to the configured chat and then runs the commands there.
func (b *Bot) Fire(ctx context.Context, a alarm.Alarm, firedAt time.Time) {
	b.remember(a, firedAt)

	when := a.Schedule.TimeOfDay.String()
	if a.Schedule.Kind == alarm.KindOnce {
		when = a.Schedule.FireAt.Format(time.DateTime)
	}
	header := dispatch.Message{
		Text:      fmt.Sprintf("⏰ *Alarm (%s)*: %s\nCommands: %s", a.Schedule.Kind, when, a.CommandLine()),
		ParseMode: dispatch.ParseModeMarkdown,
		Buttons: [][]dispatch.Button{{
			{Text: "⏹ Stop", Data: callbackStop + ":" + a.Key},
			{Text: "🔁 Repeat", Data: callbackRepeat + ":" + a.Key},
		}},
	}
	out := b.senderFor(b.deps.ChatID)
	if err := out.Send(ctx, header); err != nil {
		b.logger.Error().Err(err).Str("key", a.Key).Msg("alarm header not delivered")
	}

	b.deps.Dispatcher.Run(ctx, a.Commands, out)
}

// MaintenanceDone tells the chat the daily cleanup ran.
func (b *Bot) MaintenanceDone(ctx context.Context, sum retention.Summary) {
	text := "✅ Daily cleanup completed."
	if sum.Err != nil {
		text = "⚠️ Daily cleanup completed with errors."
	}
	if _, err := b.deps.Messenger.SendMessage(ctx, b.deps.ChatID, dispatch.Message{Text: text}); err != nil {
		b.logger.Error().Err(err).Msg("maintenance notice not delivered")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	if err := b.deps.Messenger.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
		b.logger.Warn().Err(err).Str("callback_id", q.ID).Msg("callback answer failed")
	}

	chatID := b.deps.ChatID
	var messageID int64
	if q.Message != nil {
		chatID = q.Message.Chat.ChatID()
		messageID = q.Message.MessageID
	}

	action, key, _ := strings.Cut(q.Data, ":")
	var text string
	switch action {
	case callbackStop:
		text = b.stop(ctx, key)
	case callbackRepeat:
		text = b.repeat(ctx, key)
	default:
		b.logger.Debug().Str("data", q.Data).Msg("unknown callback")
		return
	}

	if messageID == 0 {
		b.replyText(ctx, chatID, text)
		return
	}
	if err := b.deps.Messenger.EditMessageText(ctx, chatID, messageID, text); err != nil {
		b.logger.Warn().Err(err).Msg("callback edit failed")
	}
}

// stop deletes a daily alarm. A key the store no longer holds counts as
// stopped only when this process fired it; otherwise the button is stale.
func (b *Bot) stop(ctx context.Context, key string) string {
	removed, err := b.deps.Store.DeleteKey(ctx, key)
	switch {
	case err == nil:
		b.logger.Info().Str("key", key).Str("schedule", removed.Schedule.Describe()).Msg("alarm stopped from chat")
		return fmt.Sprintf("⏹ Alarm stopped: %s → %s", removed.Schedule.Describe(), removed.CommandLine())
	case errors.Is(err, alarm.ErrNotFound):
		if b.fired(key) {
			return "⏹ Alarm stopped."
		}
		b.logger.Info().Str("key", key).Msg("stop pressed for an unknown alarm")
		return "❌ This alarm is no longer known. Check /alarmlist and remove it with /delalarm ID."
	default:
		b.logger.Error().Err(err).Str("key", key).Msg("alarm stop failed")
		return fmt.Sprintf("❌ Could not stop alarm: %v", err)
	}
}

// repeat schedules the fired alarm's commands once more, a day after the
// firing.
func (b *Bot) repeat(ctx context.Context, key string) string {
	f, ok := b.take(key)
	if !ok {
		a, err := b.deps.Store.Get(ctx, key)
		if err != nil {
			return "❌ This alarm is no longer known; set it again with /alarm."
		}
		f = firing{alarm: a, firedAt: b.deps.Now()}
	}

	now := b.deps.Now()
	at := f.firedAt.Add(repeatDelay)
	if !at.After(now) {
		at = now.Add(repeatDelay)
	}

	a, err := b.deps.Store.Create(ctx, alarm.Once(at.In(b.deps.Location)), f.alarm.Commands, true)
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("repeat alarm create failed")
		return fmt.Sprintf("❌ Could not repeat alarm: %v", err)
	}
	if _, err := b.deps.Scheduler.Arm(a); err != nil {
		b.logger.Error().Err(err).Str("key", a.Key).Msg("repeat alarm stored but not armed")
	}
	return fmt.Sprintf("🔁 Alarm repeated: %s → %s", a.Schedule.FireAt.Format(time.DateTime), a.CommandLine())
}
