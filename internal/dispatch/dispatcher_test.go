package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-strength-bot/internal/market"
	"market-strength-bot/internal/storage"
	"market-strength-bot/internal/strength"
)

var fixedNow = time.Date(2025, 7, 1, 21, 0, 30, 0, time.UTC)

type fixedMeasurer struct{ scores strength.Scores }

func (m fixedMeasurer) Measure(context.Context) strength.Scores { return m.scores }

type priceTable map[string]string

func (p priceTable) Tickers(context.Context) ([]market.Ticker, error) {
	return nil, errors.New("not used")
}

func (p priceTable) Price(_ context.Context, coin string) (decimal.Decimal, error) {
	raw, ok := p[coin]
	if !ok {
		return decimal.Zero, errors.New("invalid symbol")
	}
	return decimal.RequireFromString(raw), nil
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	fail func(Message) error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(msg); err != nil {
			return err
		}
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Text
	}
	return out
}

type fakeArchive struct {
	scores []storage.ScoreRecord
	prices []storage.PriceLogEntry
}

func (f *fakeArchive) ArchiveScore(_ context.Context, rec storage.ScoreRecord) error {
	f.scores = append(f.scores, rec)
	return nil
}

func (f *fakeArchive) ArchivePrices(_ context.Context, entries ...storage.PriceLogEntry) error {
	f.prices = append(f.prices, entries...)
	return nil
}

type fixture struct {
	scores  *storage.ScoreHistory
	prices  *storage.PriceLog
	archive *fakeArchive
	disp    *Dispatcher
}

func newFixture(t *testing.T, scores strength.Scores) *fixture {
	t.Helper()
	dir := t.TempDir()
	history, err := storage.OpenScoreHistory(filepath.Join(dir, "ap_history.csv"), time.UTC, zerolog.Nop())
	require.NoError(t, err)
	priceLog, err := storage.OpenPriceLog(filepath.Join(dir, "p_history.csv"), time.UTC, zerolog.Nop())
	require.NoError(t, err)
	archive := &fakeArchive{}

	disp := New(Deps{
		Strength: fixedMeasurer{scores: scores},
		Market: priceTable{
			"BTC":  "65000.5",
			"ETH":  "3000",
			"PEPE": "0.00001234",
			"DOGE": "0.1",
		},
		Scores:   history,
		Prices:   priceLog,
		Archive:  archive,
		Lists:    NewCoinLists(map[string][]string{"f1": {"BTC", "ETH"}, "F2": {"pepe", "BOME", "DOGE"}}),
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
	}, zerolog.Nop())

	return &fixture{scores: history, prices: priceLog, archive: archive, disp: disp}
}

func TestReportFirstRun(t *testing.T) {
	f := newFixture(t, strength.Scores{BTC: 75, USDT: 60, Long: 50})
	out := &recordingSender{}

	require.NoError(t, f.disp.Report(context.Background(), out))
	require.Len(t, out.msgs, 1)
	assert.Equal(t, ParseModeMarkdown, out.msgs[0].ParseMode)

	g := goldie.New(t)
	g.Assert(t, "report_first", []byte(out.msgs[0].Text))

	latest, ok, err := f.scores.LatestScore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 7, 1, 21, 0, 0, 0, time.UTC), latest.Timestamp)
	assert.Equal(t, 75.0, latest.BTC)
	assert.Len(t, f.archive.scores, 1)
}

func TestReportWithChanges(t *testing.T) {
	f := newFixture(t, strength.Scores{BTC: 75, USDT: 60, Long: 50})
	require.NoError(t, f.scores.AppendScore(context.Background(), storage.ScoreRecord{
		Timestamp: fixedNow.Add(-time.Hour), BTC: 70, USDT: 62.5, Long: 50,
	}))
	out := &recordingSender{}

	require.NoError(t, f.disp.Report(context.Background(), out))
	require.Len(t, out.msgs, 1)

	g := goldie.New(t)
	g.Assert(t, "report_changes", []byte(out.msgs[0].Text))
}

func TestCoinListLogsPrices(t *testing.T) {
	f := newFixture(t, strength.Scores{})
	out := &recordingSender{}

	require.NoError(t, f.disp.CoinList(context.Background(), "f2", out))
	require.Len(t, out.msgs, 1)

	g := goldie.New(t)
	g.Assert(t, "list_f2", []byte(out.msgs[0].Text))

	rows := f.prices.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"2025-07-01 21:00", "F2", "PEPE", "0.000012"}, rows[0])
	assert.Equal(t, []string{"2025-07-01 21:00", "F2", "BOME", ""}, rows[1], "failed lookup leaves the price empty")
	assert.Len(t, f.archive.prices, 3)

	assert.Error(t, f.disp.CoinList(context.Background(), "F9", out))
}

func TestPrices(t *testing.T) {
	f := newFixture(t, strength.Scores{})
	out := &recordingSender{}

	require.NoError(t, f.disp.Prices(context.Background(), []string{"btc", " eth "}, out))
	g := goldie.New(t)
	g.Assert(t, "prices", []byte(out.msgs[0].Text))

	require.NoError(t, f.disp.Prices(context.Background(), nil, out))
	assert.True(t, strings.HasPrefix(out.msgs[1].Text, FailedMarker))
	assert.Empty(t, f.prices.Rows(), "ad-hoc lookups are not logged")
}

func TestRunSequenceAndPriceMarker(t *testing.T) {
	f := newFixture(t, strength.Scores{BTC: 50, USDT: 50, Long: 50})
	out := &recordingSender{}

	f.disp.Run(context.Background(), []string{"ap", "F2", "bogus", "p", "btc", "f1"}, out)

	texts := out.texts()
	require.Len(t, texts, 3)
	assert.True(t, strings.HasPrefix(texts[0], "📊"))
	assert.True(t, strings.HasPrefix(texts[1], "💹 *F2 prices:*"))
	assert.Equal(t, "BTC: 65000.50$\nF1: "+FailedMarker, texts[2], "tokens after P are symbols, not lists")
	assert.Len(t, f.prices.Rows(), 3, "only the F2 list was logged")
}

func TestRunIsolatesFailures(t *testing.T) {
	f := newFixture(t, strength.Scores{BTC: 50, USDT: 50, Long: 50})
	out := &recordingSender{fail: func(m Message) error {
		if strings.HasPrefix(m.Text, "📊") {
			return errors.New("telegram down")
		}
		return nil
	}}

	f.disp.Run(context.Background(), []string{"AP", "F1"}, out)

	texts := out.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "💹 *F1 prices:*"))

	_, ok, err := f.scores.LatestScore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "the report was stored even though sending failed")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, strength.Scores{})
	out := &recordingSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.disp.Run(ctx, []string{"F1", "F2"}, out)
	assert.Empty(t, out.texts())
}

func TestFormatPrice(t *testing.T) {
	small := decimal.RequireFromString("0.5")
	big := decimal.RequireFromString("1")
	assert.Equal(t, "0.50000000$", FormatPrice(&small))
	assert.Equal(t, "1.00$", FormatPrice(&big))
	assert.Equal(t, FailedMarker, FormatPrice(nil))
}

func TestCoinLists(t *testing.T) {
	lists := NewCoinLists(map[string][]string{
		"f1":  {"btc", "BTC", " eth "},
		" ":   {"X"},
		"F3":  {""},
		"f10": {"s"},
	})
	assert.Equal(t, []string{"F1", "F10"}, lists.Names())

	coins, ok := lists.Lookup("F1")
	require.True(t, ok)
	assert.Equal(t, []string{"BTC", "ETH"}, coins)

	_, ok = lists.Lookup("F3")
	assert.False(t, ok)
}

func TestWriterSender(t *testing.T) {
	var b strings.Builder
	s := &WriterSender{W: &b}
	require.NoError(t, s.Send(context.Background(), Message{Text: "hello\n"}))
	require.NoError(t, s.Send(context.Background(), Message{Text: "world"}))
	assert.Equal(t, "hello\n\nworld\n\n", b.String())
}
