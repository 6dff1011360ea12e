package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/logging"
)

// Notification wraps an alert-worthy verdict for delivery.
type Notification struct {
	ID       string
	Service  string
	RaisedAt time.Time
	Verdict  domain.Verdict
}

// NewNotification stamps a verdict with a fresh alert id.
func NewNotification(service string, v domain.Verdict, raisedAt time.Time) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Service:  service,
		RaisedAt: raisedAt.UTC(),
		Verdict:  v,
	}
}

// Notifier delivers alert notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify calls sendMessage with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram: %v", domain.ErrNotificationDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: telegram status %d", domain.ErrNotificationDelivery, resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("%w: telegram returned ok=false", domain.ErrNotificationDelivery)
		}
	}

	n.logger.Info().Str("alert_id", note.ID).
		Str("status", string(note.Verdict.Status)).
		Str("severity", note.Verdict.Severity.String()).
		Msg("alert delivered (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	v := note.Verdict
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s alert\n", v.Severity, note.Service))
	builder.WriteString(fmt.Sprintf("Status: %s\n", v.Status))
	builder.WriteString(fmt.Sprintf("Observed: %d\n", v.CurrentValue))
	builder.WriteString(fmt.Sprintf("Z-score: %s\n", decimal.NewFromFloat(v.ZScore).StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Baseline: mean %s, std %s\n",
		decimal.NewFromFloat(v.BaselineMean).StringFixed(2),
		decimal.NewFromFloat(v.BaselineStd).StringFixed(2)))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.RaisedAt.Format(time.RFC3339)))
	if v.Message != "" {
		builder.WriteString(v.Message)
	}
	return builder.String()
}

// Fanout delivers a notification to every wrapped notifier and joins the failures.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
