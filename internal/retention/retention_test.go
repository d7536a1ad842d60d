package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-strength-bot/internal/config"
	"market-strength-bot/internal/storage"
)

var now = time.Date(2025, 7, 1, 21, 0, 0, 0, time.UTC)

type fakeSweeper struct {
	removed int
	err     error
	calls   []time.Time
}

func (f *fakeSweeper) PrunePastOnce(_ context.Context, at time.Time) (int, error) {
	f.calls = append(f.calls, at)
	return f.removed, f.err
}

type fixture struct {
	dir    string
	scores *storage.ScoreHistory
	prices *storage.PriceLog
	alarms *fakeSweeper
	policy *Policy
}

func newFixture(t *testing.T, cfg config.StoreConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	scores, err := storage.OpenScoreHistory(filepath.Join(dir, "ap_history.csv"), time.UTC, zerolog.Nop())
	require.NoError(t, err)
	prices, err := storage.OpenPriceLog(filepath.Join(dir, "p_history.csv"), time.UTC, zerolog.Nop())
	require.NoError(t, err)

	cfg.Location = time.UTC
	alarms := &fakeSweeper{}
	policy := NewPolicy(cfg, alarms, scores, prices, zerolog.Nop(), WithNow(func() time.Time { return now }))
	return &fixture{dir: dir, scores: scores, prices: prices, alarms: alarms, policy: policy}
}

func (f *fixture) addScore(t *testing.T, at time.Time, btc, usdt, long float64) {
	t.Helper()
	require.NoError(t, f.scores.AppendScore(context.Background(), storage.ScoreRecord{Timestamp: at, BTC: btc, USDT: usdt, Long: long}))
}

func (f *fixture) addPrice(t *testing.T, at time.Time, coin string) {
	t.Helper()
	price := decimal.NewFromInt(1)
	require.NoError(t, f.prices.AppendPrices(context.Background(), storage.PriceLogEntry{Timestamp: at, List: "F1", Coin: coin, Price: &price}))
}

func TestRollupScoresMean(t *testing.T) {
	f := newFixture(t, config.StoreConfig{})
	ctx := context.Background()
	f.addScore(t, now.Add(-2*time.Hour), 10, 40, 0)
	f.addScore(t, now.Add(-time.Hour), 20, 60, 100)

	change, err := f.policy.RollupScores(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, RowChange{Before: 2, After: 1}, change)

	scores, err := f.scores.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 15, scores[0].BTC, 1e-9)
	assert.InDelta(t, 50, scores[0].USDT, 1e-9)
	assert.InDelta(t, 50, scores[0].Long, 1e-9)
	assert.Equal(t, now, scores[0].Timestamp)

	later := now.Add(24 * time.Hour)
	change, err = f.policy.RollupScores(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, RowChange{Before: 1, After: 1}, change)

	scores, err = f.scores.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, later, scores[0].Timestamp, "单行汇总也要更新时间戳")
	assert.InDelta(t, 15, scores[0].BTC, 1e-9)
}

func TestRollupScoresEmptyAndUnreadable(t *testing.T) {
	f := newFixture(t, config.StoreConfig{})
	ctx := context.Background()

	change, err := f.policy.RollupScores(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, change.Before)

	path := filepath.Join(f.dir, "ap_history.csv")
	content := "Timestamp,BTC,USDT,LONG\n" +
		"2025-07-01 10:00,10.00,10.00,10.00\n" +
		"garbage,x,y,z\n" +
		"2025-07-01 11:00,30.00,30.00,30.00\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	scores, err := storage.OpenScoreHistory(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	policy := NewPolicy(config.StoreConfig{Location: time.UTC}, nil, scores, f.prices, zerolog.Nop())

	change, err = policy.RollupScores(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, RowChange{Before: 3, After: 2}, change)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Timestamp,BTC,USDT,LONG\ngarbage,x,y,z\n2025-07-01 21:00,20.00,20.00,20.00\n", string(raw))
}

func TestPrunePricesWindowAndCap(t *testing.T) {
	f := newFixture(t, config.StoreConfig{PriceRetentionDays: 30, PriceMaxRows: 3})
	ctx := context.Background()

	f.addPrice(t, now.AddDate(0, 0, -40), "OLD")
	for i, coin := range []string{"A", "B", "C", "D"} {
		f.addPrice(t, now.Add(time.Duration(i-4)*time.Hour), coin)
	}

	change, err := f.policy.PrunePrices(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, RowChange{Before: 5, After: 3}, change)

	rows := f.prices.Rows()
	coins := make([]string, len(rows))
	for i, row := range rows {
		coins[i] = row[2]
	}
	assert.Equal(t, []string{"B", "C", "D"}, coins)

	change, err = f.policy.PrunePrices(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, change.Removed(), "second sweep is a no-op")
}

func TestPrunePricesKeepsUnreadableTimestamps(t *testing.T) {
	fn := pruneRows(now, 1, 0, time.UTC)
	rows := [][]string{
		{"not a time", "F1", "BTC", "1"},
		{"2025-06-01 10:00", "F1", "BTC", "1"},
		{"2025-07-01 20:00", "F1", "ETH", "2"},
	}
	out, err := fn(rows)
	require.NoError(t, err)
	assert.Equal(t, [][]string{rows[0], rows[2]}, out)

	_, err = pruneRows(now, 0, 0, time.UTC)(rows)
	assert.ErrorIs(t, err, errUnchanged)
}

func TestWipe(t *testing.T) {
	f := newFixture(t, config.StoreConfig{})
	ctx := context.Background()
	f.addScore(t, now.AddDate(0, 0, -3), 1, 2, 3)
	f.addScore(t, now.Add(-time.Hour), 4, 5, 6)
	f.addPrice(t, now.AddDate(0, 0, -3), "A")
	f.addPrice(t, now.Add(-time.Hour), "B")

	sum, err := f.policy.Wipe(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scores.Removed())
	assert.Equal(t, 1, sum.Prices.Removed())

	sum, err = f.policy.Wipe(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, RowChange{Before: 1, After: 0}, sum.Scores)
	assert.Equal(t, RowChange{Before: 1, After: 0}, sum.Prices)

	raw, err := os.ReadFile(filepath.Join(f.dir, "ap_history.csv"))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(storage.ScoreHeader, ",")+"\n", string(raw), "header survives a full wipe")

	_, err = f.policy.Wipe(ctx, -1)
	assert.Error(t, err)
}

func TestDailyIsolatesFailures(t *testing.T) {
	f := newFixture(t, config.StoreConfig{PriceRetentionDays: 1})
	ctx := context.Background()
	f.alarms.err = errors.New("disk full")
	f.addScore(t, now.Add(-2*time.Hour), 10, 10, 10)
	f.addScore(t, now.Add(-time.Hour), 20, 20, 20)
	f.addPrice(t, now.AddDate(0, 0, -2), "A")

	sum := f.policy.Daily(ctx, now)
	require.Error(t, sum.Err)
	assert.Contains(t, sum.Err.Error(), "disk full")
	assert.Equal(t, []time.Time{now}, f.alarms.calls)
	assert.Equal(t, 1, sum.Scores.Removed(), "rollup still ran")
	assert.Equal(t, 1, sum.Prices.Removed(), "price prune still ran")
}

func TestStartRejectsBadTime(t *testing.T) {
	f := newFixture(t, config.StoreConfig{DailyAt: "25:99"})
	assert.Error(t, f.policy.Start(context.Background(), nil))

	f = newFixture(t, config.StoreConfig{DailyAt: "21:00"})
	require.NoError(t, f.policy.Start(context.Background(), nil))
	assert.Error(t, f.policy.Start(context.Background(), nil))
	f.policy.Stop()
	f.policy.Stop()
}
