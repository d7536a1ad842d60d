package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/lo"
	chart "github.com/wcharczuk/go-chart/v2"

	"market-strength-bot/internal/storage"
)

// Export renders score history as CSV and/or PNG. The Postgres archive is
// read when configured since it still holds the rows compaction removed.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now()
	if opts.To != nil {
		to = *opts.To
	}
	from := time.Time{}
	if opts.From != nil {
		from = *opts.From
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	records, err := a.scoresBetween(ctx, st, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no score records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting score history")

	if opts.CSVPath != "" {
		if err := writeScoresCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeScoresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) scoresBetween(ctx context.Context, st *stores, from, to time.Time) ([]storage.ScoreRecord, error) {
	if st.archive != nil {
		return st.archive.ListScoresBetween(ctx, from, to)
	}
	all, err := st.scores.ListScores(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(r storage.ScoreRecord, _ int) bool {
		return !r.Timestamp.Before(from) && r.Timestamp.Before(to)
	}), nil
}

func downsampleRecords(records []storage.ScoreRecord, max int) []storage.ScoreRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.ScoreRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeScoresCSV(path string, records []storage.ScoreRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"timestamp", "btc_strength", "usdt_strength", "long_strength"}); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.Timestamp.Format(time.RFC3339),
			strconv.FormatFloat(rec.BTC, 'f', 2, 64),
			strconv.FormatFloat(rec.USDT, 'f', 2, 64),
			strconv.FormatFloat(rec.Long, 'f', 2, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeScoresPNG(path string, records []storage.ScoreRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := lo.Map(records, func(r storage.ScoreRecord, _ int) time.Time { return r.Timestamp })
	btc := lo.Map(records, func(r storage.ScoreRecord, _ int) float64 { return r.BTC })
	usdt := lo.Map(records, func(r storage.ScoreRecord, _ int) float64 { return r.USDT })
	long := lo.Map(records, func(r storage.ScoreRecord, _ int) float64 { return r.Long })

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Strength (0-100)",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Alts vs BTC", XValues: x, YValues: btc},
			chart.TimeSeries{Name: "Alts short term", XValues: x, YValues: usdt},
			chart.TimeSeries{Name: "Coins long term", XValues: x, YValues: long},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
