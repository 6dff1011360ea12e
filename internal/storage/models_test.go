package storage

import (
	"testing"
	"time"

	"txn-anomaly-monitor/internal/domain"
)

func TestWindowForZeroFillsActiveMinutes(t *testing.T) {
	minute := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := windowFor(domain.StatusDenied, []domain.Observation{
		{Status: domain.StatusDenied, Count: 1, Timestamp: minute.Add(90 * time.Second)},
		{Status: domain.StatusDenied, Count: 2, Timestamp: minute.Add(10 * time.Second)},
		{Status: domain.StatusApproved, Count: 50, Timestamp: minute.Add(2 * time.Minute)},
		{Status: domain.StatusDenied, Count: 3, Timestamp: minute.Add(65 * time.Second)},
	})

	got := window.Counts()
	want := []int64{2, 4, 0}
	if len(got) != len(want) {
		t.Fatalf("counts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("counts = %v, want %v", got, want)
		}
	}
	if !window[0].Minute.Equal(minute) {
		t.Fatalf("unexpected first minute %s", window[0].Minute)
	}

	if idx := window.Find(minute.Add(2*time.Minute + 30*time.Second)); idx != 2 {
		t.Fatalf("Find should truncate to the minute, got %d", idx)
	}
	if idx := window.Find(minute.Add(5 * time.Minute)); idx != -1 {
		t.Fatalf("Find of an inactive minute should be -1, got %d", idx)
	}
}

func TestMinuteRates(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := MinuteRates([]domain.Observation{
		{Status: domain.StatusApproved, Count: 100, Timestamp: ts.Add(time.Minute)},
		{Status: domain.StatusApproved, Count: 10, Timestamp: ts.Add(20 * time.Second)},
		{Status: domain.StatusDenied, Count: 1, Timestamp: ts},
		{Status: domain.StatusApproved, Count: 5, Timestamp: ts},
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 points, got %+v", got)
	}
	if got[0].Status != domain.StatusDenied || got[1].Status != domain.StatusApproved || got[1].Count != 15 {
		t.Fatalf("unexpected first minute %+v", got[:2])
	}
	if !got[2].Minute.Equal(ts.Add(time.Minute)) || got[2].Count != 100 {
		t.Fatalf("unexpected second minute %+v", got[2])
	}
}

func TestSummarize(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := Summarize([]domain.Observation{
		{Status: domain.StatusDenied, Count: 3, Timestamp: ts},
		{Status: domain.StatusApproved, Count: 100, Timestamp: ts},
		{Status: domain.StatusDenied, Count: 4, Timestamp: ts.Add(time.Minute)},
		{Status: domain.StatusApproved, Count: 90, Timestamp: ts.Add(time.Minute)},
		{Status: domain.StatusDenied, Count: 0, Timestamp: ts.Add(2 * time.Minute)},
	})
	if len(got) != 2 || got[0].Status != domain.StatusApproved {
		t.Fatalf("expected approved first, got %+v", got)
	}
	denied := got[1]
	if denied.Total != 7 || denied.DataPoints != 3 || denied.MaxCount != 4 || denied.MinCount != 0 || denied.AvgPerMin != 2.33 {
		t.Fatalf("unexpected denied summary %+v", denied)
	}
}
