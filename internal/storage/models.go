package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ScoreHeader is the score history column set.
	ScoreHeader = []string{"Timestamp", "BTC", "USDT", "LONG"}
	// PriceHeader is the price log column set.
	PriceHeader = []string{"Timestamp", "List", "Coin", "Price"}
)

// ScoreRecord is one aggregator output as persisted in the score history.
type ScoreRecord struct {
	Timestamp time.Time
	BTC       float64
	USDT      float64
	Long      float64
}

// PriceLogEntry records one coin price lookup of a named list. Price is nil
// when the lookup failed.
type PriceLogEntry struct {
	Timestamp time.Time
	List      string
	Coin      string
	Price     *decimal.Decimal
}

// Row renders the record in score history column order.
func (r ScoreRecord) Row() []string {
	return []string{
		r.Timestamp.Format(TimestampLayout),
		strconv.FormatFloat(r.BTC, 'f', 2, 64),
		strconv.FormatFloat(r.USDT, 'f', 2, 64),
		strconv.FormatFloat(r.Long, 'f', 2, 64),
	}
}

// ParseScoreRow decodes a score history row in loc.
func ParseScoreRow(row []string, loc *time.Location) (ScoreRecord, error) {
	if len(row) < len(ScoreHeader) {
		return ScoreRecord{}, fmt.Errorf("score row has %d columns", len(row))
	}
	ts, err := ParseTimestamp(row[0], loc)
	if err != nil {
		return ScoreRecord{}, err
	}

	var values [3]float64
	for i := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return ScoreRecord{}, fmt.Errorf("parse %s: %w", ScoreHeader[i+1], err)
		}
		values[i] = v
	}

	return ScoreRecord{Timestamp: ts, BTC: values[0], USDT: values[1], Long: values[2]}, nil
}

// Row renders the entry in price log column order.
func (e PriceLogEntry) Row() []string {
	price := ""
	if e.Price != nil {
		price = e.Price.StringFixed(6)
	}
	return []string{e.Timestamp.Format(TimestampLayout), e.List, e.Coin, price}
}

// ParsePriceRow decodes a price log row in loc.
func ParsePriceRow(row []string, loc *time.Location) (PriceLogEntry, error) {
	if len(row) < len(PriceHeader) {
		return PriceLogEntry{}, fmt.Errorf("price row has %d columns", len(row))
	}
	ts, err := ParseTimestamp(row[0], loc)
	if err != nil {
		return PriceLogEntry{}, err
	}
	entry := PriceLogEntry{Timestamp: ts, List: row[1], Coin: row[2]}
	if raw := strings.TrimSpace(row[3]); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return PriceLogEntry{}, fmt.Errorf("parse price: %w", err)
		}
		entry.Price = &price
	}
	return entry, nil
}

// ParseTimestamp accepts the log layout with or without seconds.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{TimestampLayout, "2006-01-02 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
