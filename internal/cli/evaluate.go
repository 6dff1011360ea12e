package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"txn-anomaly-monitor/internal/app"
)

var (
	evaluateStatus    string
	evaluateCount     int64
	evaluateTimestamp string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one observed count against stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateStatus == "" {
			return errors.New("--status is required")
		}
		if evaluateCount < 0 {
			return errors.New("--count cannot be negative")
		}

		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			Status:    evaluateStatus,
			Count:     evaluateCount,
			Timestamp: evaluateTimestamp,
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateStatus, "status", "", "Transaction status to evaluate")
	evaluateCmd.Flags().Int64Var(&evaluateCount, "count", 0, "Observed count for the current minute")
	evaluateCmd.Flags().StringVar(&evaluateTimestamp, "timestamp", "", "Evaluation time (RFC3339, defaults to now)")
}
