package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ScoreHistoryStore is the append-only log of aggregator outputs.
type ScoreHistoryStore interface {
	AppendScore(ctx context.Context, rec ScoreRecord) error
	LatestScore(ctx context.Context) (ScoreRecord, bool, error)
	ListScores(ctx context.Context) ([]ScoreRecord, error)
}

// PriceLogStore is the append-only log of coin list lookups.
type PriceLogStore interface {
	AppendPrices(ctx context.Context, entries ...PriceLogEntry) error
}

// Compactor is implemented by logs the retention policy may rewrite.
type Compactor interface {
	Compact(ctx context.Context, fn func(rows [][]string) ([][]string, error)) (before, after int, err error)
	Location() *time.Location
}

// table keeps an in-memory mirror of a File. The mirror is updated with
// every write and reloaded when another process changed the file; mutations
// always run against the rows on disk.
type table struct {
	file   *File
	loc    *time.Location
	logger zerolog.Logger

	mu    sync.Mutex
	rows  [][]string
	stamp Stamp
}

func openTable(path string, header []string, loc *time.Location, logger zerolog.Logger) (*table, error) {
	if loc == nil {
		loc = time.Local
	}
	file := NewFile(path, header, logger)
	rows, stamp, err := file.Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &table{file: file, loc: loc, logger: logger, rows: rows, stamp: stamp}, nil
}

func (t *table) append(rows ...[]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	before, after, err := t.file.Append(rows...)
	if err != nil {
		return err
	}
	if before != t.stamp {
		return t.reloadLocked()
	}
	t.rows = append(t.rows, rows...)
	t.stamp = after
	return nil
}

// refreshLocked reloads the mirror when the file changed behind it.
func (t *table) refreshLocked() error {
	stamp, err := t.file.Stamp()
	if err != nil {
		return err
	}
	if stamp == t.stamp {
		return nil
	}
	return t.reloadLocked()
}

func (t *table) reloadLocked() error {
	rows, stamp, err := t.file.Load()
	if err != nil {
		return err
	}
	t.rows, t.stamp = rows, stamp
	return nil
}

func (t *table) snapshot() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refreshLocked(); err != nil {
		t.logger.Warn().Err(err).Msg("reload failed; serving cached rows")
	}
	out := make([][]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = slices.Clone(row)
	}
	return out
}

func (t *table) compact(ctx context.Context, fn func(rows [][]string) ([][]string, error)) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	before, next, stamp, err := t.file.Update(fn)
	if err != nil {
		return before, before, err
	}
	t.rows, t.stamp = next, stamp
	return before, len(next), nil
}

// ScoreHistory is the CSV-backed ScoreHistoryStore.
type ScoreHistory struct {
	*table
}

// OpenScoreHistory loads (or creates) the score history at path.
func OpenScoreHistory(path string, loc *time.Location, logger zerolog.Logger) (*ScoreHistory, error) {
	logger = logger.With().Str("component", "score_history").Logger()
	t, err := openTable(path, ScoreHeader, loc, logger)
	if err != nil {
		return nil, err
	}
	return &ScoreHistory{table: t}, nil
}

// AppendScore appends rec; it becomes the current value for change tracking.
func (s *ScoreHistory) AppendScore(ctx context.Context, rec ScoreRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.append(rec.Row())
}

// LatestScore returns the most recent row. An unparsable last row counts as
// no previous value.
func (s *ScoreHistory) LatestScore(ctx context.Context) (ScoreRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ScoreRecord{}, false, err
	}

	rows := s.snapshot()
	if len(rows) == 0 {
		return ScoreRecord{}, false, nil
	}
	last := rows[len(rows)-1]
	rec, err := ParseScoreRow(last, s.loc)
	if err != nil {
		s.logger.Warn().Err(err).Strs("row", last).Msg("latest score row unreadable")
		return ScoreRecord{}, false, nil
	}
	return rec, true, nil
}

// ListScores returns every parsable row in file order.
func (s *ScoreHistory) ListScores(ctx context.Context) ([]ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := s.snapshot()
	out := make([]ScoreRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := ParseScoreRow(row, s.loc)
		if err != nil {
			s.logger.Warn().Err(err).Strs("row", row).Msg("skipping unreadable score row")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Compact runs fn as a read-modify-write transaction over all rows.
func (s *ScoreHistory) Compact(ctx context.Context, fn func(rows [][]string) ([][]string, error)) (int, int, error) {
	return s.compact(ctx, fn)
}

// Location is the zone timestamps are interpreted in.
func (s *ScoreHistory) Location() *time.Location {
	return s.loc
}

// PriceLog is the CSV-backed PriceLogStore.
type PriceLog struct {
	*table
}

// OpenPriceLog loads (or creates) the price log at path.
func OpenPriceLog(path string, loc *time.Location, logger zerolog.Logger) (*PriceLog, error) {
	t, err := openTable(path, PriceHeader, loc, logger.With().Str("component", "price_log").Logger())
	if err != nil {
		return nil, err
	}
	return &PriceLog{table: t}, nil
}

// AppendPrices appends entries in order.
func (p *PriceLog) AppendPrices(ctx context.Context, entries ...PriceLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = e.Row()
	}
	return p.append(rows...)
}

// Rows returns a copy of the raw data rows.
func (p *PriceLog) Rows() [][]string {
	return p.snapshot()
}

// Compact runs fn as a read-modify-write transaction over all rows.
func (p *PriceLog) Compact(ctx context.Context, fn func(rows [][]string) ([][]string, error)) (int, int, error) {
	return p.compact(ctx, fn)
}

// Location is the zone timestamps are interpreted in.
func (p *PriceLog) Location() *time.Location {
	return p.loc
}

var (
	_ ScoreHistoryStore = (*ScoreHistory)(nil)
	_ PriceLogStore     = (*PriceLog)(nil)
	_ Compactor         = (*ScoreHistory)(nil)
	_ Compactor         = (*PriceLog)(nil)
)
