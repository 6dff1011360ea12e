package api

import (
	"time"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status       string `json:"status"`
	DBConnected  bool   `json:"db_connected"`
	TotalRecords int64  `json:"total_records"`
	Version      string `json:"version"`
}

type ingestionResponse struct {
	RecordsInserted int        `json:"records_inserted"`
	Timestamp       *time.Time `json:"timestamp"`
}

type recentRecord struct {
	Timestamp  string `json:"timestamp"`
	Status     string `json:"status"`
	Count      int64  `json:"count"`
	IngestedAt string `json:"ingested_at"`
}

type recentResponse struct {
	Records []recentRecord `json:"records"`
	Count   int            `json:"count"`
}

type summaryResponse struct {
	WindowMinutes int                     `json:"window_minutes"`
	Statuses      []storage.StatusSummary `json:"statuses"`
	TotalRecords  int                     `json:"total_records"`
}

type statusRateRecord struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Count     int64  `json:"count"`
}

type statusRatesResponse struct {
	WindowMinutes int                `json:"window_minutes"`
	Data          []statusRateRecord `json:"data"`
	TotalPoints   int                `json:"total_points"`
}

type evaluateRequest struct {
	Status    string `json:"status"`
	Count     *int64 `json:"count"`
	Timestamp string `json:"timestamp"`
}

type verdictResponse struct {
	Status       string  `json:"status"`
	Severity     string  `json:"severity"`
	CurrentValue int64   `json:"current_value"`
	ZScore       float64 `json:"z_score"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	IsAnomalous  bool    `json:"is_anomalous"`
	Message      string  `json:"message"`
}

func newVerdictResponse(v domain.Verdict) verdictResponse {
	return verdictResponse{
		Status:       string(v.Status),
		Severity:     v.Severity.String(),
		CurrentValue: v.CurrentValue,
		ZScore:       v.ZScore,
		BaselineMean: v.BaselineMean,
		BaselineStd:  v.BaselineStd,
		IsAnomalous:  v.IsAnomalous,
		Message:      v.Message,
	}
}

// statusEntry leaves evaluated_at null for a status not evaluated yet.
type statusEntry struct {
	ZScore      float64    `json:"z_score"`
	Severity    string     `json:"severity"`
	EvaluatedAt *time.Time `json:"evaluated_at"`
}

type alertStatusResponse struct {
	Timestamp       time.Time              `json:"timestamp"`
	OverallSeverity string                 `json:"overall_severity"`
	OverallScore    float64                `json:"overall_score"`
	Statuses        map[string]statusEntry `json:"statuses"`
}
