package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"txn-anomaly-monitor/internal/domain"
)

func TestRedisKeys(t *testing.T) {
	s := NewRedisStore(nil, "", 0, 0)
	if got := s.seriesKey(domain.StatusBackendReversed); got != "txnmonitor:obs:backend_reversed" {
		t.Fatalf("unexpected series key %q", got)
	}
	if got := s.recentKey(); got != "txnmonitor:recent" {
		t.Fatalf("unexpected recent key %q", got)
	}
	if s.recentCap != defaultRecentCap {
		t.Fatalf("expected default recent cap, got %d", s.recentCap)
	}
}

func TestRedisMemberRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	payload, err := json.Marshal(redisMember{ID: "x", Status: "failed", Count: 4, Timestamp: ts.UnixMilli(), IngestedAt: ts.UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeMembers([]string{string(payload)})
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 1 || decoded[0].Status != domain.StatusFailed || decoded[0].Count != 4 || !decoded[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected decode: %+v", decoded)
	}

	if _, err := decodeMembers([]string{"not-json"}); err == nil {
		t.Fatal("invalid member should fail to decode")
	}
}

func TestRedisUnconfigured(t *testing.T) {
	var s *RedisStore
	if err := s.Insert(context.Background(), domain.Observation{Status: domain.StatusDenied}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.QueryWindow(context.Background(), domain.StatusDenied, time.Hour, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
