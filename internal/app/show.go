package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/storage"
)

// Show prints the most recently ingested observations followed by a per-status summary.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	observations, err := store.Recent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(a.Out, "no observations found")
		return nil
	}

	return renderObservations(a.Out, observations)
}

func renderObservations(out io.Writer, observations []domain.Observation) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStatus\tCount\tIngested")

	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\n",
			obs.Timestamp.UTC().Format(time.RFC3339),
			sanitizeInline(string(obs.Status)),
			obs.Count,
			obs.IngestedAt.UTC().Format(time.RFC3339),
		)
	}

	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "Status\tTotal\tAvg\tMin\tMax\tPoints")
	for _, s := range storage.Summarize(observations) {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%d\t%d\t%d\n",
			sanitizeInline(string(s.Status)),
			s.Total,
			decimal.NewFromFloat(s.AvgPerMin).StringFixed(2),
			s.MinCount,
			s.MaxCount,
			s.DataPoints,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
