package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"txn-anomaly-monitor/internal/detector"
	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/metrics"
	"txn-anomaly-monitor/internal/service"
)

// Evaluate runs one on-demand evaluation against the configured store and
// prints the verdict. CRITICAL verdicts are delivered through the configured
// channels before Evaluate returns.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	status, err := domain.ParseStatus(opts.Status)
	if err != nil {
		return err
	}
	ts, err := domain.ParseTimestamp(opts.Timestamp)
	if err != nil {
		return err
	}

	det, err := detector.New(a.Config.Detector)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	disp := a.newDispatcher(m)
	monitor := service.New(store, det, disp, service.Options{AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey}, a.Logger, m)

	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Run(workerCtx)
	}()
	defer func() {
		stopWorker()
		<-done
	}()

	verdict, err := monitor.EvaluateSingle(ctx, status, opts.Count, ts)
	if err != nil {
		return err
	}
	return printVerdict(a.Out, verdict)
}

type verdictOutput struct {
	Status       string  `json:"status"`
	Severity     string  `json:"severity"`
	CurrentValue int64   `json:"current_value"`
	ZScore       float64 `json:"z_score"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	IsAnomalous  bool    `json:"is_anomalous"`
	Message      string  `json:"message"`
}

func printVerdict(out io.Writer, v domain.Verdict) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdictOutput{
		Status:       string(v.Status),
		Severity:     v.Severity.String(),
		CurrentValue: v.CurrentValue,
		ZScore:       v.ZScore,
		BaselineMean: v.BaselineMean,
		BaselineStd:  v.BaselineStd,
		IsAnomalous:  v.IsAnomalous,
		Message:      v.Message,
	}); err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	return nil
}
