package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-strength-bot/internal/market"
	"market-strength-bot/internal/storage"
	"market-strength-bot/internal/strength"
)

const (
	tokenReport = "AP"
	tokenPrice  = "P"
)

// Measurer produces the current strength scores.
type Measurer interface {
	Measure(ctx context.Context) strength.Scores
}

// Deps are the collaborators of a Dispatcher. Archive is optional.
type Deps struct {
	Strength Measurer
	Market   market.Provider
	Scores   storage.ScoreHistoryStore
	Prices   storage.PriceLogStore
	Archive  storage.ArchiveStore
	Lists    CoinLists
	Location *time.Location
	Now      func() time.Time
}

// Dispatcher executes command tokens such as "AP F1 P BTC ETH".
type Dispatcher struct {
	deps   Deps
	logger zerolog.Logger
}

// New constructs a Dispatcher.
func New(deps Deps, logger zerolog.Logger) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Dispatcher{
		deps:   deps,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Lists exposes the configured coin lists.
func (d *Dispatcher) Lists() CoinLists {
	return d.deps.Lists
}

// Run executes tokens in order, sending each command's output to out. A
// failing command is logged and does not stop the ones after it. The price
// marker P consumes every remaining token as a symbol.
func (d *Dispatcher) Run(ctx context.Context, tokens []string, out Sender) {
	for i := 0; i < len(tokens); i++ {
		if ctx.Err() != nil {
			d.logger.Warn().Err(ctx.Err()).Strs("remaining", tokens[i:]).Msg("dispatch cancelled")
			return
		}
		token := strings.ToUpper(strings.TrimSpace(tokens[i]))

		switch {
		case token == tokenReport:
			d.guard(ctx, token, func() error { return d.Report(ctx, out) })
		case token == tokenPrice:
			symbols := tokens[i+1:]
			d.guard(ctx, token, func() error { return d.Prices(ctx, symbols, out) })
			return
		default:
			if _, ok := d.deps.Lists.Lookup(token); ok {
				d.guard(ctx, token, func() error { return d.CoinList(ctx, token, out) })
				continue
			}
			d.logger.Debug().Str("token", tokens[i]).Msg("ignoring unknown command token")
		}
	}
}

func (d *Dispatcher) guard(ctx context.Context, token string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("command", token).Msg("command panicked")
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		d.logger.Error().Err(err).Str("command", token).Msg("command failed")
	}
}

// Report measures strength, compares it with the latest stored record,
// appends the new record and sends the rendered report.
func (d *Dispatcher) Report(ctx context.Context, out Sender) error {
	scores, changes, err := d.Measure(ctx)
	text := RenderReport(scores, changes)
	if sendErr := out.Send(ctx, Message{Text: text, ParseMode: ParseModeMarkdown}); sendErr != nil {
		return errors.Join(err, fmt.Errorf("send report: %w", sendErr))
	}
	return err
}

// Measure runs the report flow without sending. The new record is stored
// even when the caller never renders it; a storage failure is returned with
// the scores still valid.
func (d *Dispatcher) Measure(ctx context.Context) (strength.Scores, strength.Changes, error) {
	var prev *storage.ScoreRecord
	last, ok, err := d.deps.Scores.LatestScore(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("previous score unavailable")
	} else if ok {
		prev = &last
	}

	scores := d.deps.Strength.Measure(ctx)
	changes := strength.Compare(prev, scores)

	rec := scores.Record(d.now())
	if err := d.deps.Scores.AppendScore(ctx, rec); err != nil {
		return scores, changes, fmt.Errorf("append score: %w", err)
	}
	if d.deps.Archive != nil {
		if err := d.deps.Archive.ArchiveScore(ctx, rec); err != nil {
			d.logger.Warn().Err(err).Msg("score archive failed")
		}
	}
	return scores, changes, nil
}

// Prices sends one line per symbol. Lookups that fail show the failure
// marker.
func (d *Dispatcher) Prices(ctx context.Context, symbols []string, out Sender) error {
	coins := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			coins = append(coins, s)
		}
	}
	if len(coins) == 0 {
		return out.Send(ctx, Message{Text: FailedMarker + " Usage: P BTC BNB ETH ..."})
	}
	return out.Send(ctx, Message{Text: RenderPrices(d.lookup(ctx, coins))})
}

// CoinList sends the prices of a named list and records them in the price
// log.
func (d *Dispatcher) CoinList(ctx context.Context, name string, out Sender) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	coins, ok := d.deps.Lists.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown coin list %q", name)
	}

	prices := d.lookup(ctx, coins)
	at := d.now()
	entries := make([]storage.PriceLogEntry, len(prices))
	for i, p := range prices {
		entries[i] = storage.PriceLogEntry{Timestamp: at, List: name, Coin: p.Coin, Price: p.Price}
	}

	var errs []error
	if err := d.deps.Prices.AppendPrices(ctx, entries...); err != nil {
		errs = append(errs, fmt.Errorf("append prices: %w", err))
	}
	if d.deps.Archive != nil {
		if err := d.deps.Archive.ArchivePrices(ctx, entries...); err != nil {
			d.logger.Warn().Err(err).Str("list", name).Msg("price archive failed")
		}
	}
	if err := out.Send(ctx, Message{Text: RenderList(name, prices), ParseMode: ParseModeMarkdown}); err != nil {
		errs = append(errs, fmt.Errorf("send %s: %w", name, err))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) lookup(ctx context.Context, coins []string) []CoinPrice {
	out := make([]CoinPrice, len(coins))
	for i, coin := range coins {
		out[i] = CoinPrice{Coin: coin}
		price, err := d.deps.Market.Price(ctx, coin)
		if err != nil {
			d.logger.Warn().Err(err).Str("coin", coin).Msg("price lookup failed")
			continue
		}
		out[i].Price = &price
	}
	return out
}

func (d *Dispatcher) now() time.Time {
	return d.deps.Now().In(d.deps.Location).Truncate(time.Minute)
}
