package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoadCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ap.csv")
	f := NewFile(path, ScoreHeader, zerolog.Nop())

	rows, stamp, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotEqual(t, Stamp{}, stamp)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Timestamp,BTC,USDT,LONG\n", string(raw))
}

func TestFileUpdateKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.csv")
	f := NewFile(path, PriceHeader, zerolog.Nop())

	_, _, err := f.Append([]string{"2025-01-01 10:00", "F1", "BTC", "1.000000"})
	require.NoError(t, err)
	_, _, _, err = f.Update(func([][]string) ([][]string, error) { return nil, nil })
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Timestamp,List,Coin,Price\n", string(raw))

	tmp, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp, "temp files must not be left behind")
}

func TestFileKeepsUndecodableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.csv")
	bad := `2025-07-01 10:01,F1,"BTC,1`
	content := "Timestamp,List,Coin,Price\n" +
		"2025-07-01 10:00,F1,ETH,2\n" +
		"\n" +
		bad + "\n" +
		"2025-07-01 10:02,F1,SOL,3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f := NewFile(path, PriceHeader, zerolog.Nop())
	rows, _, err := f.Load()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	text, ok := RawText(rows[1])
	require.True(t, ok)
	assert.Equal(t, bad, text)
	_, ok = RawText(rows[0])
	assert.False(t, ok)

	_, _, _, err = f.Update(func(rows [][]string) ([][]string, error) {
		return rows[1:], nil
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Timestamp,List,Coin,Price\n"+bad+"\n2025-07-01 10:02,F1,SOL,3\n", string(raw), "坏行原样写回")
}

func TestFileUpdateAbortKeepsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ap.csv")
	f := NewFile(path, ScoreHeader, zerolog.Nop())
	_, _, err := f.Append([]string{"2025-07-01 09:00", "1.00", "2.00", "3.00"})
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	stop := errors.New("stop")
	_, _, _, err = f.Update(func([][]string) ([][]string, error) { return nil, stop })
	assert.ErrorIs(t, err, stop)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScoreHistoryAppendAndLatest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ap.csv")

	hist, err := OpenScoreHistory(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	_, ok, err := hist.LatestScore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := ScoreRecord{Timestamp: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC), BTC: 10, USDT: 20, Long: 30}
	second := ScoreRecord{Timestamp: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), BTC: 11.5, USDT: 21, Long: 31.25}
	require.NoError(t, hist.AppendScore(ctx, first))
	require.NoError(t, hist.AppendScore(ctx, second))

	latest, ok, err := hist.LatestScore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Timestamp, latest.Timestamp)
	assert.InDelta(t, 11.5, latest.BTC, 1e-9)

	reopened, err := OpenScoreHistory(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	all, err := reopened.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.InDelta(t, 31.25, all[1].Long, 1e-9)
}

func TestScoreHistoryUnreadableLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ap.csv")
	content := "Timestamp,BTC,USDT,LONG\n2025-07-01 09:00,10,20,30\ngarbage,x,y,z\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	hist, err := OpenScoreHistory(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	_, ok, err := hist.LatestScore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := hist.ListScores(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScoreHistoryKeepsMalformedLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ap.csv")
	bad := `2025-07-01 09:30,"11,20,30`
	content := "Timestamp,BTC,USDT,LONG\n2025-07-01 09:00,10,20,30\n" + bad + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	hist, err := OpenScoreHistory(path, time.UTC, zerolog.Nop())
	require.NoError(t, err, "a malformed line must not make the history unreadable")

	require.NoError(t, hist.AppendScore(ctx, ScoreRecord{Timestamp: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), BTC: 1, USDT: 2, Long: 3}))
	all, err := hist.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	latest, ok, err := hist.LatestScore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1, latest.BTC, 1e-9)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n"+bad+"\n")
}

func TestPriceLogKeepsMalformedLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.csv")
	bad := `2025-07-01 09:00,F1,BTC,"65000`
	content := "Timestamp,List,Coin,Price\n" + bad + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	plog, err := OpenPriceLog(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2025, 7, 1, 9, 5, 0, 0, time.UTC)
	require.NoError(t, plog.AppendPrices(ctx, PriceLogEntry{Timestamp: ts, List: "F1", Coin: "ETH"}))

	rows := plog.Rows()
	require.Len(t, rows, 2)
	_, err = ParsePriceRow(rows[0], time.UTC)
	assert.Error(t, err)
	entry, err := ParsePriceRow(rows[1], time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "ETH", entry.Coin)
}

func TestTablesSeeOtherHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.csv")
	first, err := OpenPriceLog(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	second, err := OpenPriceLog(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, first.AppendPrices(ctx, PriceLogEntry{Timestamp: ts, List: "F1", Coin: "A"}))
	require.NoError(t, second.AppendPrices(ctx, PriceLogEntry{Timestamp: ts, List: "F1", Coin: "B"}))
	require.NoError(t, first.AppendPrices(ctx, PriceLogEntry{Timestamp: ts, List: "F1", Coin: "C"}))

	for _, plog := range []*PriceLog{first, second} {
		rows := plog.Rows()
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"A", "B", "C"}, []string{rows[0][2], rows[1][2], rows[2][2]})
	}

	_, after, err := second.Compact(ctx, func(rows [][]string) ([][]string, error) {
		return rows[2:], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, after)
	assert.Len(t, first.Rows(), 1, "另一个句柄的压缩应可见")
}

func TestPriceLogNullablePrice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.csv")
	plog, err := OpenPriceLog(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	price := decimal.RequireFromString("0.00001234")
	ts := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, plog.AppendPrices(ctx,
		PriceLogEntry{Timestamp: ts, List: "F2", Coin: "PEPE", Price: &price},
		PriceLogEntry{Timestamp: ts, List: "F2", Coin: "BOME"},
	))

	rows := plog.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "0.000012", rows[0][3])
	assert.Equal(t, "", rows[1][3])

	entry, err := ParsePriceRow(rows[1], time.UTC)
	require.NoError(t, err)
	assert.Nil(t, entry.Price)
}

func TestCompactIsSerializedWithAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.csv")
	plog, err := OpenPriceLog(path, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, plog.AppendPrices(ctx, PriceLogEntry{Timestamp: ts, List: "F1", Coin: "BTC"}))
		}()
	}
	wg.Wait()

	before, after, err := plog.Compact(ctx, func(rows [][]string) ([][]string, error) {
		return rows[:5], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 20, before)
	assert.Equal(t, 5, after)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(raw), "\n"))
}

func TestParseTimestampWithSeconds(t *testing.T) {
	ts, err := ParseTimestamp("2025-07-20 23:00:05", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 5, ts.Second())

	_, err = ParseTimestamp("20/07/2025", time.UTC)
	assert.Error(t, err)
}

func TestArchiveNotConfigured(t *testing.T) {
	var archive *Archive
	err := archive.ArchiveScore(context.Background(), ScoreRecord{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = NewArchive(nil).EnsureSchema(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
