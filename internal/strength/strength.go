package strength

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"market-strength-bot/internal/market"
)

// Bucket thresholds on 24h quote volume.
const (
	btcMinVolume  = 10.0
	usdtMinVolume = 1_000_000.0
	longMinVolume = 5_000_000.0
)

// Scores are the three normalized strength values, each in [0, 100].
type Scores struct {
	// BTC is alt strength against BTC.
	BTC float64
	// USDT is short-term alt strength against USDT.
	USDT float64
	// Long is long-term strength of high-volume pairs.
	Long float64
}

// Normalize maps the mean percent change onto [0, 100]: -10% or worse is 0,
// +10% or better is 100. An empty bucket scores 0.
func Normalize(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return scale(lo.Sum(values) / float64(len(values)))
}

func scale(mean float64) float64 {
	return lo.Clamp((mean+10)*5, 0, 100)
}

// bucket accumulates a running sum so Reduce never holds the snapshot twice.
type bucket struct {
	sum float64
	n   int
}

func (b *bucket) add(v float64) {
	b.sum += v
	b.n++
}

func (b bucket) score() float64 {
	if b.n == 0 {
		return 0
	}
	return scale(b.sum / float64(b.n))
}

// Reduce scores a ticker snapshot in one pass. A ticker may land in several
// buckets.
func Reduce(tickers []market.Ticker) Scores {
	var btc, usdt, long bucket
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "BTC") && t.QuoteVolume > btcMinVolume {
			btc.add(t.PriceChangePercent)
		}
		if strings.HasSuffix(t.Symbol, "USDT") && t.QuoteVolume > usdtMinVolume {
			usdt.add(t.PriceChangePercent)
		}
		if t.QuoteVolume > longMinVolume {
			long.add(t.PriceChangePercent)
		}
	}
	return Scores{BTC: btc.score(), USDT: usdt.score(), Long: long.score()}
}

// Aggregator turns exchange snapshots into Scores.
type Aggregator struct {
	provider market.Provider
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewAggregator constructs an Aggregator. timeout bounds one snapshot fetch.
func NewAggregator(provider market.Provider, timeout time.Duration, logger zerolog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With().Str("component", "strength").Logger(),
	}
}

// Measure fetches a snapshot and scores it. Any failure degrades to zero
// scores; callers always get a report.
func (a *Aggregator) Measure(ctx context.Context) Scores {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	tickers, err := a.provider.Tickers(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("ticker snapshot unavailable; reporting zero scores")
		return Scores{}
	}

	scores := Reduce(tickers)
	a.logger.Debug().Int("tickers", len(tickers)).
		Float64("btc", scores.BTC).Float64("usdt", scores.USDT).Float64("long", scores.Long).
		Msg("strength measured")
	return scores
}
