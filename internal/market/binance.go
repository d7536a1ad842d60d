package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BinanceOptions parameterise the Binance spot adapter.
type BinanceOptions struct {
	BaseURL    string
	QuoteAsset string
	Timeout    time.Duration
	UserAgent  string
}

// Binance implements Provider on the public spot REST endpoints. No API key
// is needed for ticker data.
type Binance struct {
	client  *binance.Client
	quote   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBinance constructs a Binance provider.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	quote := strings.ToUpper(strings.TrimSpace(opts.QuoteAsset))
	if quote == "" {
		quote = "USDT"
	}

	client := binance.NewClient("", "")
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.UserAgent = ua
	}

	return &Binance{
		client:  client,
		quote:   quote,
		timeout: timeout,
		logger:  logger.With().Str("component", "binance").Logger(),
	}
}

// Tickers fetches the full 24h ticker snapshot.
func (b *Binance) Tickers(ctx context.Context) ([]Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}

	var parseErr error
	tickers := lo.FilterMap(stats, func(s *binance.PriceChangeStats, _ int) (Ticker, bool) {
		if s == nil || parseErr != nil {
			return Ticker{}, false
		}
		change, err := strconv.ParseFloat(s.PriceChangePercent, 64)
		if err != nil {
			parseErr = fmt.Errorf("parse priceChangePercent of %s: %w", s.Symbol, err)
			return Ticker{}, false
		}
		volume, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			parseErr = fmt.Errorf("parse quoteVolume of %s: %w", s.Symbol, err)
			return Ticker{}, false
		}
		return Ticker{Symbol: s.Symbol, PriceChangePercent: change, QuoteVolume: volume}, true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	b.logger.Debug().Int("tickers", len(tickers)).Msg("24h snapshot fetched")
	return tickers, nil
}

// Price fetches the last price of coin against the quote asset.
func (b *Binance) Price(ctx context.Context, coin string) (decimal.Decimal, error) {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	if coin == "" {
		return decimal.Zero, errors.New("empty coin symbol")
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	pair := coin + b.quote
	prices, err := b.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price %s: %w", pair, err)
	}
	if len(prices) == 0 || prices[0] == nil {
		return decimal.Zero, fmt.Errorf("no price returned for %s", pair)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %s: %w", pair, err)
	}
	return price, nil
}

var _ Provider = (*Binance)(nil)
