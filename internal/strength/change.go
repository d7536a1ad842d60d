package strength

import (
	"time"

	"market-strength-bot/internal/storage"
)

// Delta is the change of one metric against the previous report.
type Delta struct {
	Value float64
	// Known is false when there was no previous value to compare against.
	Known bool
}

// Up reports a non-negative change. A flat metric counts as up.
func (d Delta) Up() bool {
	return d.Value >= 0
}

// Changes holds one Delta per metric.
type Changes struct {
	BTC  Delta
	USDT Delta
	Long Delta
}

// Compare computes cur minus prev per metric. A nil prev yields unknown
// deltas.
func Compare(prev *storage.ScoreRecord, cur Scores) Changes {
	if prev == nil {
		return Changes{}
	}
	return Changes{
		BTC:  Delta{Value: cur.BTC - prev.BTC, Known: true},
		USDT: Delta{Value: cur.USDT - prev.USDT, Known: true},
		Long: Delta{Value: cur.Long - prev.Long, Known: true},
	}
}

// Record stamps s for the score history.
func (s Scores) Record(at time.Time) storage.ScoreRecord {
	return storage.ScoreRecord{Timestamp: at, BTC: s.BTC, USDT: s.USDT, Long: s.Long}
}
