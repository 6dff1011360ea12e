package storage

import (
	"sort"
	"time"

	"txn-anomaly-monitor/internal/domain"
)

// MinuteCount is the summed count of one status within a one-minute bucket.
type MinuteCount struct {
	Minute time.Time
	Count  int64
}

// windowBounds returns the half-open (from, to] interval covered by a lookback query.
func windowBounds(lookback time.Duration, asOf time.Time) (time.Time, time.Time) {
	asOf = asOf.UTC()
	return asOf.Add(-lookback), asOf
}

// inWindow reports whether ts falls inside (from, to].
func inWindow(ts, from, to time.Time) bool {
	return ts.After(from) && !ts.After(to)
}

// Window is the per-minute history of one status, oldest first. It carries a
// bucket for every minute in which any status had traffic, so a minute where
// only other statuses were seen counts zero.
type Window []MinuteCount

// Counts flattens the window into the sequence the detector consumes.
func (w Window) Counts() []int64 {
	out := make([]int64, len(w))
	for i, b := range w {
		out[i] = b.Count
	}
	return out
}

// Find returns the index of the bucket starting at minute, or -1.
func (w Window) Find(minute time.Time) int {
	minute = minute.UTC().Truncate(time.Minute)
	idx := sort.Search(len(w), func(i int) bool { return !w[i].Minute.Before(minute) })
	if idx < len(w) && w[idx].Minute.Equal(minute) {
		return idx
	}
	return -1
}

// windowFor sums status per UTC minute over every minute present in
// observations, whatever their status.
func windowFor(status domain.Status, observations []domain.Observation) Window {
	sums := make(map[time.Time]int64, len(observations))
	for _, obs := range observations {
		minute := obs.Timestamp.UTC().Truncate(time.Minute)
		if obs.Status == status {
			sums[minute] += obs.Count
		} else if _, ok := sums[minute]; !ok {
			sums[minute] = 0
		}
	}

	window := make(Window, 0, len(sums))
	for minute, count := range sums {
		window = append(window, MinuteCount{Minute: minute, Count: count})
	}
	sort.Slice(window, func(i, j int) bool { return window[i].Minute.Before(window[j].Minute) })
	return window
}

func validateAll(observations []domain.Observation) error {
	for _, obs := range observations {
		if err := obs.Validate(); err != nil {
			return err
		}
	}
	return nil
}
