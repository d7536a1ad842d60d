package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-strength-bot/internal/alarm"
	"market-strength-bot/internal/dispatch"
	"market-strength-bot/internal/retention"
	"market-strength-bot/internal/telegram"
)

// AlarmStore is the slice of alarm.Store the bot edits.
type AlarmStore interface {
	Create(ctx context.Context, sched alarm.Schedule, commands []string, repeated bool) (alarm.Alarm, error)
	List(ctx context.Context) ([]alarm.Alarm, error)
	Get(ctx context.Context, key string) (alarm.Alarm, error)
	Delete(ctx context.Context, id int) (alarm.Alarm, error)
	DeleteKey(ctx context.Context, key string) (alarm.Alarm, error)
}

// Arming starts timers for new alarms and reports when they fire next.
type Arming interface {
	Arm(a alarm.Alarm) (time.Time, error)
	NextFire(key string) (time.Time, bool)
}

// Runner executes command tokens.
type Runner interface {
	Run(ctx context.Context, tokens []string, out dispatch.Sender)
	Lists() dispatch.CoinLists
}

// Maintenance is the retention surface exposed to chat commands.
type Maintenance interface {
	SweepAlarms(ctx context.Context, now time.Time) (int, error)
	Wipe(ctx context.Context, days int) (retention.Summary, error)
}

// Messenger is the outbound Bot API surface.
type Messenger interface {
	SendMessage(ctx context.Context, chatID string, msg dispatch.Message) (int64, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text string) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Deps wire the bot to the rest of the service.
type Deps struct {
	Store       AlarmStore
	Scheduler   Arming
	Dispatcher  Runner
	Maintenance Maintenance
	Messenger   Messenger
	// ChatID receives alarm firings and maintenance notices.
	ChatID   string
	Location *time.Location
	Now      func() time.Time
}

const maxRecentFirings = 64

type firing struct {
	alarm   alarm.Alarm
	firedAt time.Time
}

// Bot turns chat updates into store, scheduler and dispatcher calls, and
// renders alarm firings back into the chat.
type Bot struct {
	deps   Deps
	logger zerolog.Logger

	mu     sync.Mutex
	recent map[string]firing
	order  []string
}

// New constructs a Bot.
func New(deps Deps, logger zerolog.Logger) *Bot {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Bot{
		deps:   deps,
		logger: logger.With().Str("component", "bot").Logger(),
		recent: make(map[string]firing),
	}
}

// HandleUpdate routes one webhook update. Updates from chats other than
// Deps.ChatID are dropped.
func (b *Bot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	if chat, ok := upd.ChatID(); ok && b.deps.ChatID != "" && chat != b.deps.ChatID {
		b.logger.Warn().Int64("update_id", upd.UpdateID).Str("chat_id", chat).Msg("ignoring update from foreign chat")
		return
	}
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		b.handleMessage(ctx, upd.Message)
	default:
		b.logger.Debug().Int64("update_id", upd.UpdateID).Msg("ignoring update without message")
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ChatID()

	if name, args, ok := msg.Command(); ok {
		b.logger.Info().Str("chat_id", chatID).Str("command", name).Strs("args", args).Msg("command received")
		switch name {
		case "start", "help":
			b.reply(ctx, chatID, b.helpMessage())
		case "alarm":
			b.cmdAlarm(ctx, chatID, args)
		case "alarmlist":
			b.cmdAlarmList(ctx, chatID)
		case "delalarm":
			b.cmdDelAlarm(ctx, chatID, args)
		case "wipe":
			b.cmdWipe(ctx, chatID, args)
		case "ap":
			b.run(ctx, chatID, []string{"AP"})
		case "p":
			b.run(ctx, chatID, append([]string{"P"}, args...))
		default:
			if _, ok := b.deps.Dispatcher.Lists().Lookup(name); ok {
				b.run(ctx, chatID, []string{name})
				return
			}
			b.logger.Debug().Str("command", name).Msg("unknown command")
		}
		return
	}

	tokens := strings.Fields(msg.Text)
	if len(tokens) == 0 {
		return
	}
	head := strings.ToUpper(tokens[0])
	if _, isList := b.deps.Dispatcher.Lists().Lookup(head); head == "AP" || head == "P" || isList {
		b.run(ctx, chatID, tokens)
		return
	}
	b.logger.Debug().Str("text", msg.Text).Msg("ignoring chat text")
}

func (b *Bot) run(ctx context.Context, chatID string, tokens []string) {
	b.deps.Dispatcher.Run(ctx, tokens, b.senderFor(chatID))
}

func (b *Bot) reply(ctx context.Context, chatID string, msg dispatch.Message) {
	if _, err := b.deps.Messenger.SendMessage(ctx, chatID, msg); err != nil {
		b.logger.Error().Err(err).Str("chat_id", chatID).Msg("reply failed")
	}
}

func (b *Bot) replyText(ctx context.Context, chatID, text string) {
	b.reply(ctx, chatID, dispatch.Message{Text: text})
}

func (b *Bot) senderFor(chatID string) dispatch.Sender {
	return dispatch.SenderFunc(func(ctx context.Context, msg dispatch.Message) error {
		_, err := b.deps.Messenger.SendMessage(ctx, chatID, msg)
		return err
	})
}

func (b *Bot) helpMessage() dispatch.Message {
	lists := b.deps.Dispatcher.Lists().Names()
	text := strings.Join([]string{
		"✅ Bot is running.",
		"Daily alarm: /alarm 21:00 ap f1 f2",
		"One-time alarm: /alarm 2025-07-20 23:00 ap f1 f2",
		"/alarmlist : show alarms",
		"/delalarm ID : delete an alarm",
		"/wipe [days] : clear score and price history",
		"AP : strength report, P BTC ETH : prices",
	}, "\n")
	if len(lists) > 0 {
		text += "\nCoin lists: " + strings.Join(lists, ", ")
	}

	keyboard := [][]string{{"AP"}, {"P BTC BNB"}}
	if len(lists) > 0 {
		keyboard = append(keyboard, lists)
	}
	return dispatch.Message{Text: text, Keyboard: keyboard}
}

func (b *Bot) remember(a alarm.Alarm, firedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.recent[a.Key]; !ok {
		b.order = append(b.order, a.Key)
	}
	b.recent[a.Key] = firing{alarm: a, firedAt: firedAt}
	for len(b.order) > maxRecentFirings {
		delete(b.recent, b.order[0])
		b.order = b.order[1:]
	}
}

// fired reports whether key fired in this process recently.
func (b *Bot) fired(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.recent[key]
	return ok
}

// take removes and returns the recorded firing of key.
func (b *Bot) take(key string) (firing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.recent[key]
	if !ok {
		return firing{}, false
	}
	delete(b.recent, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return f, true
}
