package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"market-strength-bot/internal/config"
	"market-strength-bot/internal/storage"
)

// errUnchanged aborts a compaction that would rewrite identical content.
var errUnchanged = errors.New("retention: nothing to change")

// AlarmSweeper drops one-shot alarms whose time has passed.
type AlarmSweeper interface {
	PrunePastOnce(ctx context.Context, now time.Time) (int, error)
}

// RowChange is the row count of one log before and after a sweep.
type RowChange struct {
	Before int
	After  int
}

// Removed is the number of rows the sweep dropped.
func (c RowChange) Removed() int {
	return c.Before - c.After
}

// Summary reports one maintenance pass.
type Summary struct {
	AlarmsRemoved int
	Scores        RowChange
	Prices        RowChange
	// Err joins the failures of individual sweeps; the others still ran.
	Err error
}

// Policy owns every data-shrinking operation on the stores.
type Policy struct {
	cfg    config.StoreConfig
	alarms AlarmSweeper
	scores storage.Compactor
	prices storage.Compactor
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	cron *gocron.Scheduler
}

// Option customises a Policy.
type Option func(*Policy)

// WithNow overrides the clock used by scheduled runs.
func WithNow(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// NewPolicy wires the policy to its stores. alarms may be nil when the
// caller only maintains the score and price logs.
func NewPolicy(cfg config.StoreConfig, alarms AlarmSweeper, scores, prices storage.Compactor, logger zerolog.Logger, opts ...Option) *Policy {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	p := &Policy{
		cfg:    cfg,
		alarms: alarms,
		scores: scores,
		prices: prices,
		now:    time.Now,
		logger: logger.With().Str("component", "retention").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SweepAlarms removes every one-shot alarm scheduled before now.
func (p *Policy) SweepAlarms(ctx context.Context, now time.Time) (int, error) {
	if p.alarms == nil {
		return 0, nil
	}
	return p.alarms.PrunePastOnce(ctx, now)
}

// RollupScores collapses the score history into one row holding the mean of
// every metric, stamped now; a lone row is restamped. Unreadable rows survive
// ahead of the rollup.
func (p *Policy) RollupScores(ctx context.Context, now time.Time) (RowChange, error) {
	loc := p.scores.Location()
	return p.compact(ctx, p.scores, func(rows [][]string) ([][]string, error) {
		var kept [][]string
		var parsed []storage.ScoreRecord
		for _, row := range rows {
			rec, err := storage.ParseScoreRow(row, loc)
			if err != nil {
				kept = append(kept, row)
				continue
			}
			parsed = append(parsed, rec)
		}
		if len(parsed) == 0 {
			return nil, errUnchanged
		}

		n := float64(len(parsed))
		mean := storage.ScoreRecord{
			Timestamp: now.In(loc),
			BTC:       lo.SumBy(parsed, func(r storage.ScoreRecord) float64 { return r.BTC }) / n,
			USDT:      lo.SumBy(parsed, func(r storage.ScoreRecord) float64 { return r.USDT }) / n,
			Long:      lo.SumBy(parsed, func(r storage.ScoreRecord) float64 { return r.Long }) / n,
		}
		return append(kept, mean.Row()), nil
	})
}

// PrunePrices drops price rows older than the retention window and then the
// oldest rows beyond the row cap. Rows with unreadable timestamps are kept.
func (p *Policy) PrunePrices(ctx context.Context, now time.Time) (RowChange, error) {
	return p.compact(ctx, p.prices, pruneRows(now, p.cfg.PriceRetentionDays, p.cfg.PriceMaxRows, p.prices.Location()))
}

// Wipe is the manual reset. days == 0 clears the score history and the price
// log, keeping headers; days > 0 keeps only the last days of both.
func (p *Policy) Wipe(ctx context.Context, days int) (Summary, error) {
	if days < 0 {
		return Summary{}, fmt.Errorf("wipe days must be >= 0, got %d", days)
	}
	now := p.now()

	var sum Summary
	var errs []error
	for _, target := range []struct {
		name  string
		store storage.Compactor
		out   *RowChange
	}{
		{"scores", p.scores, &sum.Scores},
		{"prices", p.prices, &sum.Prices},
	} {
		fn := func([][]string) ([][]string, error) { return nil, nil }
		if days > 0 {
			fn = pruneRows(now, days, 0, target.store.Location())
		}
		change, err := p.compact(ctx, target.store, fn)
		if err != nil {
			errs = append(errs, fmt.Errorf("wipe %s: %w", target.name, err))
		}
		*target.out = change
	}
	sum.Err = errors.Join(errs...)

	p.logger.Info().Int("days", days).
		Int("scores_removed", sum.Scores.Removed()).
		Int("prices_removed", sum.Prices.Removed()).
		Msg("wipe completed")
	return sum, sum.Err
}

// Daily runs the nightly maintenance. Each sweep runs even when an earlier
// one failed.
func (p *Policy) Daily(ctx context.Context, now time.Time) Summary {
	var sum Summary
	var errs []error

	removed, err := p.SweepAlarms(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep alarms: %w", err))
	}
	sum.AlarmsRemoved = removed

	if sum.Scores, err = p.RollupScores(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("rollup scores: %w", err))
	}
	if sum.Prices, err = p.PrunePrices(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("prune prices: %w", err))
	}
	sum.Err = errors.Join(errs...)

	event := p.logger.Info()
	if sum.Err != nil {
		event = p.logger.Error().Err(sum.Err)
	}
	event.Int("alarms_removed", sum.AlarmsRemoved).
		Int("score_rows", sum.Scores.After).
		Int("prices_removed", sum.Prices.Removed()).
		Msg("daily maintenance finished")
	return sum
}

// Start schedules Daily at the configured wall-clock time. onDone, when set,
// receives every summary.
func (p *Policy) Start(ctx context.Context, onDone func(context.Context, Summary)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("retention already started")
	}

	cron := gocron.NewScheduler(p.cfg.Location)
	cron.SingletonModeAll()
	_, err := cron.Every(1).Day().At(p.cfg.DailyAt).Do(func() {
		sum := p.Daily(ctx, p.now().In(p.cfg.Location))
		if onDone != nil {
			onDone(ctx, sum)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily maintenance at %q: %w", p.cfg.DailyAt, err)
	}
	cron.StartAsync()
	p.cron = cron

	p.logger.Info().Str("at", p.cfg.DailyAt).Str("tz", p.cfg.Location.String()).Msg("daily maintenance scheduled")
	return nil
}

// Stop cancels the daily job.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		return
	}
	p.cron.Stop()
	p.cron = nil
}

func (p *Policy) compact(ctx context.Context, store storage.Compactor, fn func([][]string) ([][]string, error)) (RowChange, error) {
	before, after, err := store.Compact(ctx, fn)
	if errors.Is(err, errUnchanged) {
		return RowChange{Before: before, After: before}, nil
	}
	if err != nil {
		return RowChange{Before: before, After: before}, err
	}
	return RowChange{Before: before, After: after}, nil
}

// pruneRows keeps rows stamped within the last days (days <= 0 disables the
// window) and then at most maxRows readable rows (maxRows <= 0 disables the
// cap), dropping the oldest first.
func pruneRows(now time.Time, days, maxRows int, loc *time.Location) func([][]string) ([][]string, error) {
	return func(rows [][]string) ([][]string, error) {
		cutoff := now.AddDate(0, 0, -days)

		type stamped struct {
			row      []string
			readable bool
		}
		kept := make([]stamped, 0, len(rows))
		readable := 0
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			ts, err := storage.ParseTimestamp(row[0], loc)
			if err != nil {
				kept = append(kept, stamped{row: row})
				continue
			}
			if days > 0 && ts.Before(cutoff) {
				continue
			}
			kept = append(kept, stamped{row: row, readable: true})
			readable++
		}

		excess := 0
		if maxRows > 0 && readable > maxRows {
			excess = readable - maxRows
		}
		out := make([][]string, 0, len(kept))
		for _, s := range kept {
			if s.readable && excess > 0 {
				excess--
				continue
			}
			out = append(out, s.row)
		}

		if len(out) == len(rows) {
			return nil, errUnchanged
		}
		return out, nil
	}
}
