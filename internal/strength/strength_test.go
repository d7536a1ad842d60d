package strength

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"market-strength-bot/internal/market"
	"market-strength-bot/internal/storage"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"flat market", []float64{0}, 50},
		{"lower bound", []float64{-10}, 0},
		{"below lower bound", []float64{-30, -12}, 0},
		{"upper bound", []float64{10}, 100},
		{"above upper bound", []float64{25}, 100},
		{"mean", []float64{2, 4}, 65},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Normalize(tc.values), 1e-9)
		})
	}
}

func TestReduceBuckets(t *testing.T) {
	tickers := []market.Ticker{
		{Symbol: "ABCBTC", PriceChangePercent: 5, QuoteVolume: 20},
	}
	got := Reduce(tickers)
	assert.InDelta(t, 75, got.BTC, 1e-9)
	assert.Zero(t, got.USDT)
	assert.Zero(t, got.Long)

	tickers = []market.Ticker{
		{Symbol: "ABCBTC", PriceChangePercent: 5, QuoteVolume: 20},
		{Symbol: "DEFBTC", PriceChangePercent: -20, QuoteVolume: 10},      // volume not above threshold
		{Symbol: "ETHUSDT", PriceChangePercent: 2, QuoteVolume: 6_000_000}, // usdt + long
		{Symbol: "XRPUSDT", PriceChangePercent: -4, QuoteVolume: 1_000_000},
		{Symbol: "BNBETH", PriceChangePercent: 8, QuoteVolume: 9_000_000}, // long only
	}
	got = Reduce(tickers)
	assert.InDelta(t, 75, got.BTC, 1e-9)
	assert.InDelta(t, 60, got.USDT, 1e-9)
	assert.InDelta(t, 75, got.Long, 1e-9)
}

func TestReduceMatchesNormalize(t *testing.T) {
	values := []float64{1.5, -3.25, 7, 0.125}
	tickers := make([]market.Ticker, len(values))
	for i, v := range values {
		tickers[i] = market.Ticker{Symbol: "XUSDT", PriceChangePercent: v, QuoteVolume: 2_000_000}
	}
	assert.InDelta(t, Normalize(values), Reduce(tickers).USDT, 1e-9)
}

type stubProvider struct {
	tickers []market.Ticker
	err     error
}

func (s stubProvider) Tickers(context.Context) ([]market.Ticker, error) {
	return s.tickers, s.err
}

func (s stubProvider) Price(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not used")
}

func TestAggregatorDegradesToZero(t *testing.T) {
	agg := NewAggregator(stubProvider{err: errors.New("timeout")}, time.Second, zerolog.Nop())
	assert.Equal(t, Scores{}, agg.Measure(context.Background()))

	agg = NewAggregator(stubProvider{tickers: []market.Ticker{{Symbol: "ABCBTC", PriceChangePercent: 5, QuoteVolume: 20}}}, time.Second, zerolog.Nop())
	assert.InDelta(t, 75, agg.Measure(context.Background()).BTC, 1e-9)
}

func TestCompare(t *testing.T) {
	cur := Scores{BTC: 60, USDT: 40, Long: 55.5}
	assert.Equal(t, Changes{}, Compare(nil, cur))

	prev := storage.ScoreRecord{BTC: 50, USDT: 45, Long: 55.5}
	changes := Compare(&prev, cur)

	assert.True(t, changes.BTC.Known)
	assert.InDelta(t, 10, changes.BTC.Value, 1e-9)
	assert.True(t, changes.BTC.Up())

	assert.InDelta(t, -5, changes.USDT.Value, 1e-9)
	assert.False(t, changes.USDT.Up())

	assert.Zero(t, changes.Long.Value)
	assert.True(t, changes.Long.Up(), "flat counts as up")
}
