package dispatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"market-strength-bot/internal/strength"
)

// FailedMarker stands in for a price that could not be fetched.
const FailedMarker = "❌"

var one = decimal.NewFromInt(1)

// FormatPrice renders a price with 8 decimals below 1 and 2 otherwise.
func FormatPrice(price *decimal.Decimal) string {
	if price == nil {
		return FailedMarker
	}
	if price.LessThan(one) {
		return price.StringFixed(8) + "$"
	}
	return price.StringFixed(2) + "$"
}

// CoinPrice is the outcome of one lookup. Price is nil on failure.
type CoinPrice struct {
	Coin  string
	Price *decimal.Decimal
}

// RenderReport formats the strength report. Unknown deltas are omitted.
func RenderReport(scores strength.Scores, changes strength.Changes) string {
	var b strings.Builder
	b.WriteString("📊 *Market Strength Report*\n")
	writeMetric(&b, "Alts vs BTC", scores.BTC, changes.BTC)
	writeMetric(&b, "Alts short term", scores.USDT, changes.USDT)
	writeMetric(&b, "Coins long term", scores.Long, changes.Long)
	return b.String()
}

func writeMetric(b *strings.Builder, label string, value float64, delta strength.Delta) {
	fmt.Fprintf(b, "- %s: %.1f/100", label, value)
	if delta.Known {
		arrow := "🔴"
		if delta.Up() {
			arrow = "🟢"
		}
		fmt.Fprintf(b, " %s %+.2f", arrow, delta.Value)
	}
	b.WriteByte('\n')
}

// RenderPrices formats ad-hoc lookups, one "COIN: price" line each.
func RenderPrices(prices []CoinPrice) string {
	lines := make([]string, len(prices))
	for i, p := range prices {
		lines[i] = p.Coin + ": " + FormatPrice(p.Price)
	}
	return strings.Join(lines, "\n")
}

// RenderList formats the prices of a named coin list.
func RenderList(name string, prices []CoinPrice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💹 *%s prices:*", name)
	for _, p := range prices {
		fmt.Fprintf(&b, "\n- %s: %s", p.Coin, FormatPrice(p.Price))
	}
	return b.String()
}
