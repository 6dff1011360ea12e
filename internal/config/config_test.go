package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Environment != "test" {
		t.Fatalf("expected environment from file, got %q", cfg.App.Environment)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if cfg.Detector.MinHistory != 30 || cfg.Detector.ZScoreThreshold != 2.5 || cfg.Detector.CriticalThreshold != 4.0 {
		t.Fatalf("unexpected detector defaults %+v", cfg.Detector)
	}
	if cfg.Detector.Lookback != time.Hour {
		t.Fatalf("unexpected lookback %s", cfg.Detector.Lookback)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("unexpected cooldown %s", cfg.Alerting.Cooldown)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("unexpected backend %q", cfg.Storage.Backend)
	}
	if !cfg.Alerting.ChannelEnabled(ChannelWebhook) || cfg.Alerting.ChannelEnabled(ChannelTelegram) {
		t.Fatalf("unexpected channels %v", cfg.Alerting.Channels)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TXNMONITOR_SCHEDULER_INTERVAL", "10s")
	t.Setenv("TXNMONITOR_ALERTING_WEBHOOK_ENABLED", "true")
	t.Setenv("TXNMONITOR_ALERTING_WEBHOOK_URL", "https://hooks.example.com/alerts")
	t.Setenv("TXNMONITOR_ALERTING_CHANNELS", "webhook,telegram")

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 10*time.Second {
		t.Fatalf("env override ignored, interval=%s", cfg.Scheduler.Interval)
	}
	if !cfg.Alerting.Webhook.Enabled || cfg.Alerting.Webhook.URL != "https://hooks.example.com/alerts" {
		t.Fatalf("unexpected webhook %+v", cfg.Alerting.Webhook)
	}
	if !cfg.Alerting.ChannelEnabled(ChannelTelegram) {
		t.Fatalf("expected telegram channel, got %v", cfg.Alerting.Channels)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"threshold ordering", "detector:\n  z_score_threshold: 4\n  critical_threshold: 3\n", "critical_threshold"},
		{"min history", "detector:\n  min_history: 1\n", "min_history"},
		{"backend", "storage:\n  backend: sqlite\n", "storage.backend"},
		{"postgres dsn", "storage:\n  backend: postgres\n", "database.dsn"},
		{"retention", "storage:\n  retention: 30m\n", "storage.retention"},
		{"channel", "alerting:\n  channels: [pager]\n", "alerting.channels"},
		{"webhook url", "alerting:\n  webhook:\n    enabled: true\n    url: not-a-url\n", "alerting.webhook.url"},
		{"telegram token", "alerting:\n  telegram:\n    enabled: true\n", "bot_token"},
		{"interval", "scheduler:\n  interval: 0s\n", "scheduler.interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if got := cfg.ResolveMaxPoints(0); got != 50 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("expected override, got %d", got)
	}
}
