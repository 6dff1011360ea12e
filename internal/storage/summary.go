package storage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"txn-anomaly-monitor/internal/domain"
)

// StatusSummary aggregates the observations of one status.
type StatusSummary struct {
	Status     domain.Status `json:"status"`
	Total      int64         `json:"total"`
	AvgPerMin  float64       `json:"avg_per_min"`
	MaxCount   int64         `json:"max_count"`
	MinCount   int64         `json:"min_count"`
	DataPoints int           `json:"data_points"`
}

// Summarize groups observations by status, highest total first.
func Summarize(observations []domain.Observation) []StatusSummary {
	byStatus := make(map[domain.Status]*StatusSummary)
	for _, obs := range observations {
		s, ok := byStatus[obs.Status]
		if !ok {
			s = &StatusSummary{Status: obs.Status, MaxCount: obs.Count, MinCount: obs.Count}
			byStatus[obs.Status] = s
		}
		s.Total += obs.Count
		s.DataPoints++
		if obs.Count > s.MaxCount {
			s.MaxCount = obs.Count
		}
		if obs.Count < s.MinCount {
			s.MinCount = obs.Count
		}
	}

	out := make([]StatusSummary, 0, len(byStatus))
	for _, s := range byStatus {
		s.AvgPerMin = decimal.NewFromInt(s.Total).
			Div(decimal.NewFromInt(int64(s.DataPoints))).
			Round(2).
			InexactFloat64()
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Status < out[j].Status
	})
	return out
}

// StatusRate is the count of one status within one UTC minute.
type StatusRate struct {
	Minute time.Time
	Status domain.Status
	Count  int64
}

// MinuteRates sums observations per (minute, status), oldest minute first and
// statuses in monitored order within a minute.
func MinuteRates(observations []domain.Observation) []StatusRate {
	type key struct {
		minute time.Time
		status domain.Status
	}
	sums := make(map[key]int64, len(observations))
	for _, obs := range observations {
		sums[key{minute: obs.Timestamp.UTC().Truncate(time.Minute), status: obs.Status}] += obs.Count
	}

	rank := make(map[domain.Status]int, len(domain.MonitoredStatuses))
	for i, st := range domain.MonitoredStatuses {
		rank[st] = i
	}

	out := make([]StatusRate, 0, len(sums))
	for k, count := range sums {
		out = append(out, StatusRate{Minute: k.minute, Status: k.status, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Minute.Equal(out[j].Minute) {
			return out[i].Minute.Before(out[j].Minute)
		}
		return rank[out[i].Status] < rank[out[j].Status]
	})
	return out
}
