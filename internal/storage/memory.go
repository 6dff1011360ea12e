package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"txn-anomaly-monitor/internal/domain"
)

type memoryRecord struct {
	obs domain.Observation
	seq int64
}

// MemoryStore keeps observations in process. All reads and writes go through a
// single RWMutex, and a batch is applied inside one critical section so queries
// never observe a partially written batch.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[domain.Status][]memoryRecord
	seq       int64
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore returns an empty store. Observations older than retention,
// measured from the newest timestamp of the same status but never from a point
// later than the wall clock, are pruned on write.
// A zero retention keeps everything.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		series:    make(map[domain.Status][]memoryRecord),
		retention: retention,
		now:       time.Now,
	}
}

// Insert appends one observation.
func (s *MemoryStore) Insert(ctx context.Context, obs domain.Observation) error {
	return s.InsertBatch(ctx, []domain.Observation{obs})
}

// InsertBatch appends all observations atomically.
func (s *MemoryStore) InsertBatch(ctx context.Context, observations []domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAll(observations); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ingestedAt := s.now().UTC()
	touched := make(map[domain.Status]struct{}, len(observations))
	for _, obs := range observations {
		s.seq++
		obs.Timestamp = obs.Timestamp.UTC()
		obs.IngestedAt = ingestedAt
		s.insertSorted(memoryRecord{obs: obs, seq: s.seq})
		touched[obs.Status] = struct{}{}
	}
	for status := range touched {
		s.prune(status)
	}
	return nil
}

// insertSorted keeps each series ordered by timestamp; equal timestamps keep arrival order.
func (s *MemoryStore) insertSorted(rec memoryRecord) {
	series := s.series[rec.obs.Status]
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].obs.Timestamp.After(rec.obs.Timestamp)
	})
	series = append(series, memoryRecord{})
	copy(series[idx+1:], series[idx:])
	series[idx] = rec
	s.series[rec.obs.Status] = series
}

func (s *MemoryStore) prune(status domain.Status) {
	if s.retention <= 0 {
		return
	}
	series := s.series[status]
	if len(series) == 0 {
		return
	}
	newest := series[len(series)-1].obs.Timestamp
	if now := s.now().UTC(); newest.After(now) {
		newest = now
	}
	cutoff := newest.Add(-s.retention)
	i := 0
	for i < len(series) && series[i].obs.Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.series[status] = append([]memoryRecord(nil), series[i:]...)
	}
}

// QueryWindow returns the per-minute window of status. Every status is scanned
// so that minutes without rows for status still count as zero.
func (s *MemoryStore) QueryWindow(ctx context.Context, status domain.Status, lookback time.Duration, asOf time.Time) (Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to := windowBounds(lookback, asOf)

	s.mu.RLock()
	var window []domain.Observation
	for _, series := range s.series {
		start := sort.Search(len(series), func(i int) bool {
			return series[i].obs.Timestamp.After(from)
		})
		for _, rec := range series[start:] {
			if !inWindow(rec.obs.Timestamp, from, to) {
				break
			}
			window = append(window, rec.obs)
		}
	}
	s.mu.RUnlock()

	return windowFor(status, window), nil
}

// Recent lists the most recently ingested observations.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]memoryRecord, 0, s.sizeLocked())
	for _, series := range s.series {
		all = append(all, series...)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.Observation, len(all))
	for i, rec := range all {
		out[i] = rec.obs
	}
	return out, nil
}

// Between lists observations in [from, to) ordered by timestamp.
func (s *MemoryStore) Between(ctx context.Context, status domain.Status, from, to time.Time) ([]domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []domain.Observation
	for st, series := range s.series {
		if status != "" && st != status {
			continue
		}
		for _, rec := range series {
			ts := rec.obs.Timestamp
			if !ts.Before(from) && ts.Before(to) {
				out = append(out, rec.obs)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Count returns the number of retained observations.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.sizeLocked()), nil
}

func (s *MemoryStore) sizeLocked() int {
	n := 0
	for _, series := range s.series {
		n += len(series)
	}
	return n
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

var _ ObservationStore = (*MemoryStore)(nil)
