package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"txn-anomaly-monitor/internal/domain"
)

// Export renders stored observations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	var status domain.Status
	if opts.Status != "" {
		parsed, err := domain.ParseStatus(opts.Status)
		if err != nil {
			return err
		}
		status = parsed
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-a.Config.Detector.Lookback)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	observations, err := store.Between(ctx, status, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(a.outputPath(opts.CSVPath), downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(a.outputPath(opts.PNGPath), downsampled); err != nil {
			return err
		}
	}

	return nil
}

// outputPath places relative paths under export.output_dir.
func (a *App) outputPath(path string) string {
	if filepath.IsAbs(path) || a.Config.Export.OutputDir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.OutputDir, path)
}

func downsampleObservations(observations []domain.Observation, limit int) []domain.Observation {
	if limit <= 0 || len(observations) <= limit {
		return observations
	}
	if limit == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]domain.Observation, 0, limit)
	step := float64(len(observations)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []domain.Observation) error {
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

	header := []string{"timestamp", "status", "count", "ingested_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		ingested := ""
		if !obs.IngestedAt.IsZero() {
			ingested = obs.IngestedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			obs.Timestamp.UTC().Format(time.RFC3339),
			string(obs.Status),
			strconv.FormatInt(obs.Count, 10),
			ingested,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// seriesByStatus splits observations into one chart series per status,
// in monitored order followed by any others alphabetically.
func seriesByStatus(observations []domain.Observation) []chart.Series {
	grouped := make(map[domain.Status][]domain.Observation)
	for _, obs := range observations {
		grouped[obs.Status] = append(grouped[obs.Status], obs)
	}

	order := make([]domain.Status, 0, len(grouped))
	seen := make(map[domain.Status]bool, len(grouped))
	for _, st := range domain.MonitoredStatuses {
		if _, ok := grouped[st]; ok {
			order = append(order, st)
			seen[st] = true
		}
	}
	var rest []domain.Status
	for st := range grouped {
		if !seen[st] {
			rest = append(rest, st)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	order = append(order, rest...)

	series := make([]chart.Series, 0, len(order))
	for _, st := range order {
		points := grouped[st]
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, obs := range points {
			x[i] = obs.Timestamp
			y[i] = float64(obs.Count)
		}
		// go-chart needs at least two points to draw a line.
		if len(points) == 1 {
			x = append(x, x[0].Add(time.Minute))
			y = append(y, y[0])
		}
		series = append(series, chart.TimeSeries{Name: string(st), XValues: x, YValues: y})
	}
	return series
}

func writeObservationsPNG(path string, observations []domain.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Transactions per record",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: seriesByStatus(observations),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
