package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ticker is the slice of a 24h ticker entry the strength scores need.
type Ticker struct {
	Symbol             string
	PriceChangePercent float64
	QuoteVolume        float64
}

// Provider reads market data from an exchange.
type Provider interface {
	// Tickers returns the 24h statistics of every listed pair.
	Tickers(ctx context.Context) ([]Ticker, error)
	// Price returns the last price of coin quoted in the provider's quote asset.
	Price(ctx context.Context, coin string) (decimal.Decimal, error)
}
