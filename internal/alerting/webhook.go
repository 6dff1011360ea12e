package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/logging"
)

// WebhookPayload is the JSON body posted for every CRITICAL alert.
type WebhookPayload struct {
	ID             string         `json:"id"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Timestamp      string         `json:"timestamp"`
	Service        string         `json:"service"`
	AnomalyDetails AnomalyDetails `json:"anomaly_details"`
	AlertStatuses  []string       `json:"alert_statuses"`
	Score          float64        `json:"score"`
}

// AnomalyDetails carries the verdict statistics.
type AnomalyDetails struct {
	Status       string  `json:"status"`
	CurrentValue int64   `json:"current_value"`
	ZScore       float64 `json:"z_score"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	IsAnomalous  bool    `json:"is_anomalous"`
}

// BuildWebhookPayload maps a notification onto the webhook body.
func BuildWebhookPayload(note Notification) WebhookPayload {
	v := note.Verdict
	return WebhookPayload{
		ID:        note.ID,
		Severity:  strings.ToLower(v.Severity.String()),
		Message:   v.Message,
		Timestamp: note.RaisedAt.UTC().Format(time.RFC3339),
		Service:   note.Service,
		AnomalyDetails: AnomalyDetails{
			Status:       string(v.Status),
			CurrentValue: v.CurrentValue,
			ZScore:       v.ZScore,
			BaselineMean: v.BaselineMean,
			BaselineStd:  v.BaselineStd,
			IsAnomalous:  v.IsAnomalous,
		},
		AlertStatuses: []string{string(v.Status)},
		Score:         v.ZScore,
	}
}

// WebhookNotifier posts alerts as JSON to a single endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logging.Component(logger, "alert_webhook"),
	}
}

// Notify posts the payload; any non-2xx response is a delivery failure.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(BuildWebhookPayload(note))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", domain.ErrNotificationDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook status %d", domain.ErrNotificationDelivery, resp.StatusCode)
	}

	n.logger.Info().Str("alert_id", note.ID).
		Str("status", string(note.Verdict.Status)).
		Int("http_status", resp.StatusCode).
		Msg("alert delivered (webhook)")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
