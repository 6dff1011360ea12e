package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerToHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected a single record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["message"] != "shown" || rec["level"] != "warn" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["time"]; !ok {
		t.Fatalf("record missing timestamp: %v", rec)
	}
}

func TestNewLoggerToFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "loud"}, &buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	if bytes.Contains(buf.Bytes(), []byte(`"debug"`)) {
		t.Fatalf("unknown level should default to info, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"info"`)) {
		t.Fatalf("info record missing: %q", buf.String())
	}
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(Config{}, &buf), "detector")
	logger.Info().Msg("ready")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["component"] != "detector" {
		t.Fatalf("expected component field, got %v", rec)
	}
}
