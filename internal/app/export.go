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

	chart "github.com/wcharczuk/go-chart/v2"

	"quote-guard/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders escalation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListEscalationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no escalations found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting escalations")

	if opts.CSVPath != "" {
		if err := writeEscalationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("chart needs at least two escalations; skipping png")
			return nil
		}
		if err := writeEscalationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.EscalationRecord, max int) []storage.EscalationRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.EscalationRecord, 0, max)
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

func writeEscalationsCSV(path string, records []storage.EscalationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_ts", "channel_id", "quote_id", "quoted_price_brl", "current_price_brl", "deviation_bps", "reprice_count", "quoted_ts"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ChannelID,
			rec.QuoteID,
			rec.QuotedPrice.String(),
			rec.CurrentPrice.String(),
			rec.DeviationBps.String(),
			strconv.Itoa(rec.RepriceCount),
			rec.QuotedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeEscalationsPNG(path string, records []storage.EscalationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	quoted := make([]float64, len(records))
	market := make([]float64, len(records))
	deviation := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.CreatedAt
		quoted[i] = rec.QuotedPrice.InexactFloat64()
		market[i] = rec.CurrentPrice.InexactFloat64()
		deviation[i] = rec.DeviationBps.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (BRL)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Deviation (bps)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Quoted",
				XValues: x,
				YValues: quoted,
			},
			chart.TimeSeries{
				Name:    "Market",
				XValues: x,
				YValues: market,
			},
			chart.TimeSeries{
				Name:    "Deviation bps",
				XValues: x,
				YValues: deviation,
				YAxis:   chart.YAxisSecondary,
			},
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
