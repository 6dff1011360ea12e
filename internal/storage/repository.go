package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txn-anomaly-monitor/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS transaction_observations (
        id          BIGSERIAL PRIMARY KEY,
        status      TEXT        NOT NULL,
        count       BIGINT      NOT NULL CHECK (count >= 0),
        observed_at TIMESTAMPTZ NOT NULL,
        ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_txn_obs_status_observed
        ON transaction_observations (status, observed_at);
    CREATE INDEX IF NOT EXISTS idx_txn_obs_ingested
        ON transaction_observations (ingested_at);`

	dropSchemaSQL = `DROP TABLE IF EXISTS transaction_observations;`

	insertObservationSQL = `INSERT INTO transaction_observations (status, count, observed_at)
    VALUES ($1, $2, $3);`

	queryWindowSQL = `SELECT
        date_trunc('minute', observed_at) AS minute,
        COALESCE(SUM(count) FILTER (WHERE status = $1), 0)::BIGINT
    FROM transaction_observations
    WHERE observed_at > $2
      AND observed_at <= $3
    GROUP BY minute
    ORDER BY minute;`

	listRecentSQL = `SELECT status, count, observed_at, ingested_at
    FROM transaction_observations
    ORDER BY ingested_at DESC, id DESC
    LIMIT $1;`

	listBetweenSQL = `SELECT status, count, observed_at, ingested_at
    FROM transaction_observations
    WHERE ($1 = '' OR status = $1)
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at, id;`

	countObservationsSQL = `SELECT COUNT(*) FROM transaction_observations;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoryStore is the windowed history contract shared by ingestion and evaluation.
type HistoryStore interface {
	Insert(ctx context.Context, obs domain.Observation) error
	InsertBatch(ctx context.Context, observations []domain.Observation) error
	// QueryWindow returns per-minute sums for status with timestamps in
	// (asOf-lookback, asOf], oldest first. Minutes where any status had rows
	// are present; status counts zero in those it is missing from.
	QueryWindow(ctx context.Context, status domain.Status, lookback time.Duration, asOf time.Time) (Window, error)
}

// ObservationStore adds the read and lifecycle operations used by the API and CLI.
type ObservationStore interface {
	HistoryStore
	Recent(ctx context.Context, limit int) ([]domain.Observation, error)
	// Between lists observations in [from, to). An empty status matches all.
	Between(ctx context.Context, status domain.Status, from, to time.Time) ([]domain.Observation, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PostgresStore persists observations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the observations table, dropping it first when reset is set.
func (s *PostgresStore) EnsureSchema(ctx context.Context, reset bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if reset {
		if _, err := pool.Exec(ctx, dropSchemaSQL); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Insert persists a single observation.
func (s *PostgresStore) Insert(ctx context.Context, obs domain.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := obs.Validate(); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertObservationSQL, string(obs.Status), obs.Count, obs.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// InsertBatch copies all observations in a single COPY statement, so either
// every row becomes visible or none does.
func (s *PostgresStore) InsertBatch(ctx context.Context, observations []domain.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		return nil
	}
	if err := validateAll(observations); err != nil {
		return err
	}

	rows := pgx.CopyFromSlice(len(observations), func(i int) ([]any, error) {
		obs := observations[i]
		return []any{string(obs.Status), obs.Count, obs.Timestamp.UTC()}, nil
	})
	if _, err := pool.CopyFrom(ctx, pgx.Identifier{"transaction_observations"}, []string{"status", "count", "observed_at"}, rows); err != nil {
		return fmt.Errorf("copy observations: %w", err)
	}
	return nil
}

// QueryWindow aggregates per-minute counts for one status in a single statement.
func (s *PostgresStore) QueryWindow(ctx context.Context, status domain.Status, lookback time.Duration, asOf time.Time) (Window, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	from, to := windowBounds(lookback, asOf)
	rows, queryErr := pool.Query(ctx, queryWindowSQL, string(status), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("query window: %w", queryErr)
	}
	defer rows.Close()

	window := make(Window, 0, int(lookback/time.Minute))
	for rows.Next() {
		var b MinuteCount
		if err := rows.Scan(&b.Minute, &b.Count); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		b.Minute = b.Minute.UTC()
		window = append(window, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return window, nil
}

// Recent lists the most recently ingested observations.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]domain.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	defer rows.Close()
	return scanObservations(rows, limit)
}

// Between lists observations in [from, to).
func (s *PostgresStore) Between(ctx context.Context, status domain.Status, from, to time.Time) ([]domain.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBetweenSQL, string(status), from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()
	return scanObservations(rows, 0)
}

// Count counts stored observations.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

func scanObservations(rows pgx.Rows, capacity int) ([]domain.Observation, error) {
	observations := make([]domain.Observation, 0, capacity)
	for rows.Next() {
		var (
			status string
			obs    domain.Observation
		)
		if err := rows.Scan(&status, &obs.Count, &obs.Timestamp, &obs.IngestedAt); err != nil {
			return nil, err
		}
		obs.Status = domain.Status(status)
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

var (
	_ ObservationStore = (*PostgresStore)(nil)
	_ AdvisoryLocker   = (*PostgresStore)(nil)
)
