package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"txn-anomaly-monitor/internal/config"
	"txn-anomaly-monitor/internal/domain"
)

const defaultRecentCap = 1000

// redisMember is the sorted-set member encoding. The id keeps identical
// observations from collapsing into one member.
type redisMember struct {
	ID         string `json:"id"`
	Status     string `json:"s"`
	Count      int64  `json:"c"`
	Timestamp  int64  `json:"ts"`
	IngestedAt int64  `json:"in"`
}

func (m redisMember) observation() domain.Observation {
	return domain.Observation{
		Status:     domain.Status(m.Status),
		Count:      m.Count,
		Timestamp:  time.UnixMilli(m.Timestamp).UTC(),
		IngestedAt: time.UnixMilli(m.IngestedAt).UTC(),
	}
}

// RedisStore keeps one sorted set per status scored by observation time in
// milliseconds. Batches are written in a MULTI/EXEC pipeline.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	recentCap int64
	now       func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration, recentCap int) *RedisStore {
	if prefix == "" {
		prefix = "txnmonitor"
	}
	if recentCap <= 0 {
		recentCap = defaultRecentCap
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		recentCap: int64(recentCap),
		now:       time.Now,
	}
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, retention time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, retention, cfg.RecentCap), nil
}

func (s *RedisStore) seriesKey(status domain.Status) string {
	return fmt.Sprintf("%s:obs:%s", s.prefix, status)
}

func (s *RedisStore) recentKey() string {
	return s.prefix + ":recent"
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Insert appends one observation.
func (s *RedisStore) Insert(ctx context.Context, obs domain.Observation) error {
	return s.InsertBatch(ctx, []domain.Observation{obs})
}

// InsertBatch writes every observation inside one transaction.
func (s *RedisStore) InsertBatch(ctx context.Context, observations []domain.Observation) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	if len(observations) == 0 {
		return nil
	}
	if err := validateAll(observations); err != nil {
		return err
	}

	ingestedAt := s.now().UTC().UnixMilli()
	newest := make(map[domain.Status]time.Time, len(observations))
	members := make([][]byte, 0, len(observations))

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, obs := range observations {
			payload, err := json.Marshal(redisMember{
				ID:         uuid.NewString(),
				Status:     string(obs.Status),
				Count:      obs.Count,
				Timestamp:  obs.Timestamp.UnixMilli(),
				IngestedAt: ingestedAt,
			})
			if err != nil {
				return fmt.Errorf("encode observation: %w", err)
			}
			members = append(members, payload)
			pipe.ZAdd(ctx, s.seriesKey(obs.Status), &redis.Z{
				Score:  float64(obs.Timestamp.UnixMilli()),
				Member: payload,
			})
			if obs.Timestamp.After(newest[obs.Status]) {
				newest[obs.Status] = obs.Timestamp
			}
		}

		for _, payload := range members {
			pipe.LPush(ctx, s.recentKey(), payload)
		}
		pipe.LTrim(ctx, s.recentKey(), 0, s.recentCap-1)

		if s.retention > 0 {
			now := s.now().UTC()
			for status, ts := range newest {
				if ts.After(now) {
					ts = now
				}
				pipe.ZRemRangeByScore(ctx, s.seriesKey(status), "-inf", "("+scoreOf(ts.Add(-s.retention)))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis insert batch: %w", err)
	}
	return nil
}

// QueryWindow reads every status series in one MULTI/EXEC so minutes without
// rows for status still count as zero.
func (s *RedisStore) QueryWindow(ctx context.Context, status domain.Status, lookback time.Duration, asOf time.Time) (Window, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	from, to := windowBounds(lookback, asOf)
	rng := &redis.ZRangeBy{Min: "(" + scoreOf(from), Max: scoreOf(to)}

	cmds := make([]*redis.StringSliceCmd, 0, len(domain.MonitoredStatuses))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range domain.MonitoredStatuses {
			cmds = append(cmds, pipe.ZRangeByScore(ctx, s.seriesKey(st), rng))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis window %s: %w", status, err)
	}

	var observations []domain.Observation
	for _, cmd := range cmds {
		decoded, err := decodeMembers(cmd.Val())
		if err != nil {
			return nil, err
		}
		observations = append(observations, decoded...)
	}
	return windowFor(status, observations), nil
}

func (s *RedisStore) rangeByScore(ctx context.Context, status domain.Status, min, max string) ([]domain.Observation, error) {
	raw, err := s.client.ZRangeByScore(ctx, s.seriesKey(status), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", status, err)
	}
	return decodeMembers(raw)
}

// Recent lists the most recently ingested observations.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]domain.Observation, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = int(s.recentCap)
	}
	raw, err := s.client.LRange(ctx, s.recentKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	return decodeMembers(raw)
}

// Between lists observations in [from, to) ordered by timestamp.
func (s *RedisStore) Between(ctx context.Context, status domain.Status, from, to time.Time) ([]domain.Observation, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	statuses := domain.MonitoredStatuses
	if status != "" {
		statuses = []domain.Status{status}
	}

	var out []domain.Observation
	for _, st := range statuses {
		observations, err := s.rangeByScore(ctx, st, scoreOf(from), "("+scoreOf(to))
		if err != nil {
			return nil, err
		}
		out = append(out, observations...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Count sums the cardinality of every status series.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrNotConfigured
	}
	cmds := make([]*redis.IntCmd, 0, len(domain.MonitoredStatuses))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range domain.MonitoredStatuses {
			cmds = append(cmds, pipe.ZCard(ctx, s.seriesKey(st)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Close()
}

func decodeMembers(raw []string) ([]domain.Observation, error) {
	out := make([]domain.Observation, 0, len(raw))
	for _, item := range raw {
		var m redisMember
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode observation: %w", err)
		}
		out = append(out, m.observation())
	}
	return out, nil
}

var _ ObservationStore = (*RedisStore)(nil)
