package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"quantumdesk/internal/storage"
)

// Export renders metric history as CSV and/or PNG.
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

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	snaps, err := store.ListMetricsBetween(ctx, opts.Filter, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no metric history found for export window")
		return nil
	}

	series := groupSeries(snaps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snaps)).Int("series", len(series)).Msg("exporting metric history")

	if opts.CSVPath != "" {
		if err := writeMetricsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeMetricsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	step := a.Config.Database.SnapshotEvery
	if step <= 0 {
		step = a.Config.Pipeline.RefreshInterval
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * step)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// metricSeries is the exported history of one (venue, instrument, kind).
type metricSeries struct {
	Name   string
	Points []storage.MetricSnapshot
}

func groupSeries(snaps []storage.MetricSnapshot, maxPoints int) []metricSeries {
	byName := make(map[string][]storage.MetricSnapshot)
	for _, s := range snaps {
		name := s.Venue + " " + s.Instrument + " " + s.Kind
		byName[name] = append(byName[name], s)
	}

	out := make([]metricSeries, 0, len(byName))
	for name, points := range byName {
		out = append(out, metricSeries{Name: name, Points: downsample(points, maxPoints)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func downsample(points []storage.MetricSnapshot, max int) []storage.MetricSnapshot {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.MetricSnapshot, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeMetricsCSV(path string, series []metricSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"taken_at", "venue", "instrument", "kind", "value", "computed_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range series {
		for _, p := range s.Points {
			record := []string{
				p.TakenAt.UTC().Format(time.RFC3339),
				p.Venue,
				p.Instrument,
				p.Kind,
				p.Value.String(),
				p.ComputedAt.UTC().Format(time.RFC3339),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeMetricsPNG(path string, series []metricSeries) error {
	plotted := make([]chart.Series, 0, len(series))
	for _, s := range series {
		if len(s.Points) < 2 {
			continue
		}
		x := make([]time.Time, len(s.Points))
		y := make([]float64, len(s.Points))
		for i, p := range s.Points {
			x[i] = p.TakenAt
			y[i] = p.Value.InexactFloat64()
		}
		plotted = append(plotted, chart.TimeSeries{Name: s.Name, XValues: x, YValues: y})
	}
	if len(plotted) == 0 {
		return errors.New("not enough points to plot")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.5f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: plotted,
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
