package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
	"txn-anomaly-monitor/internal/storage"
)

// Record is one raw transaction count as it arrives from the bus or HTTP.
type Record struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Count     int64  `json:"count"`
}

// Batch is a group of records plus the transport headers that travelled with
// them. Headers are opaque and only logged.
type Batch struct {
	Records []Record          `json:"records"`
	Headers map[string]string `json:"-"`
}

// Result summarises an ingested batch.
type Result struct {
	Inserted int
	Latest   time.Time
}

// Feed validates batches and persists them into the history store.
type Feed struct {
	store   storage.HistoryStore
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewFeed constructs an ingestion feed.
func NewFeed(store storage.HistoryStore, logger zerolog.Logger, m *metrics.Metrics) *Feed {
	return &Feed{
		store:   store,
		logger:  logging.Component(logger, "ingest"),
		metrics: m,
		now:     time.Now,
	}
}

// Ingest persists a batch synchronously. The batch is rejected whole when any
// record is invalid; once Ingest returns the records are visible to queries.
func (f *Feed) Ingest(ctx context.Context, batch Batch) (Result, error) {
	if len(batch.Records) == 0 {
		return Result{}, nil
	}

	observations, err := ParseRecords(batch.Records, f.now())
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	if err := f.store.InsertBatch(ctx, observations); err != nil {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	elapsed := time.Since(started)
	f.metrics.ObserveIngest(elapsed)

	res := Result{Inserted: len(observations)}
	perStatus := make(map[domain.Status]int, len(domain.MonitoredStatuses))
	for _, obs := range observations {
		perStatus[obs.Status] += int(obs.Count)
		if obs.Timestamp.After(res.Latest) {
			res.Latest = obs.Timestamp
		}
	}
	for status, n := range perStatus {
		f.metrics.RecordsIngested(string(status), n)
	}

	event := f.logger.Info().
		Int("records", res.Inserted).
		Time("latest", res.Latest).
		Dur("elapsed", elapsed)
	for _, key := range sortedKeys(batch.Headers) {
		event = event.Str("trace_"+strings.ToLower(key), batch.Headers[key])
	}
	event.Msg("batch ingested")

	return res, nil
}

// Run consumes batches until ctx is cancelled or in is closed. Failed batches
// are logged and skipped so one bad message never stalls the feed.
func (f *Feed) Run(ctx context.Context, in <-chan Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := f.Ingest(ctx, batch); err != nil {
				level := f.logger.Error()
				if errors.Is(err, domain.ErrInvalidInput) {
					level = f.logger.Warn()
				}
				level.Err(err).Int("records", len(batch.Records)).Msg("batch rejected")
			}
		}
	}
}

// ParseRecords converts raw records into validated observations. Records
// stamped more than domain.MaxClockSkew after now are rejected.
func ParseRecords(records []Record, now time.Time) ([]domain.Observation, error) {
	out := make([]domain.Observation, 0, len(records))
	for i, rec := range records {
		obs, err := rec.Observation(now)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

// Observation validates a record against the receiving clock. The timestamp
// is mandatory.
func (r Record) Observation(now time.Time) (domain.Observation, error) {
	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return domain.Observation{}, err
	}
	ts, err := domain.ParseTimestamp(r.Timestamp)
	if err != nil {
		return domain.Observation{}, err
	}
	if ts.IsZero() {
		return domain.Observation{}, fmt.Errorf("%w: timestamp is required", domain.ErrInvalidTimestamp)
	}
	if err := domain.CheckNotFuture(ts, now); err != nil {
		return domain.Observation{}, err
	}
	obs := domain.Observation{Status: status, Count: r.Count, Timestamp: ts}
	if err := obs.Validate(); err != nil {
		return domain.Observation{}, err
	}
	return obs, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
