package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/alerting"
	"txn-anomaly-monitor/internal/detector"
	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
	"txn-anomaly-monitor/internal/storage"
)

// Evaluation sources, used as a metrics label.
const (
	SourceScheduler = "scheduler"
	SourceOnDemand  = "on_demand"
)

// Options tune the monitor.
type Options struct {
	// AdvisoryLockKey makes cycles single-flight across replicas when the
	// store supports advisory locks. Zero disables locking.
	AdvisoryLockKey int64
}

// StatusReport is the read-only view of the latest verdict per status.
type StatusReport struct {
	Statuses []domain.Verdict
	Overall  domain.Severity
}

// Monitor runs the evaluation cycle and the on-demand path over one shared
// store, detector and dispatcher.
type Monitor struct {
	store      storage.HistoryStore
	detector   *detector.Detector
	dispatcher *alerting.Dispatcher
	locker     storage.AdvisoryLocker
	lockKey    int64
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu     sync.RWMutex
	latest map[domain.Status]domain.Verdict
}

// New constructs the monitor.
func New(store storage.HistoryStore, det *detector.Detector, disp *alerting.Dispatcher, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Monitor {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Monitor{
		store:      store,
		detector:   det,
		dispatcher: disp,
		locker:     locker,
		lockKey:    opts.AdvisoryLockKey,
		logger:     logging.Component(logger, "monitor"),
		metrics:    m,
		now:        time.Now,
		latest:     make(map[domain.Status]domain.Verdict, len(domain.MonitoredStatuses)),
	}
}

// RunCycle evaluates every monitored status once, in fixed order. A status
// whose history cannot be read is logged and skipped; the others still run.
func (m *Monitor) RunCycle(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	asOf := tick.UTC()
	lookback := m.detector.Config().Lookback

	var failures []error
	for _, status := range domain.MonitoredStatuses {
		if err := ctx.Err(); err != nil {
			return err
		}

		window, err := m.store.QueryWindow(ctx, status, lookback, asOf)
		if err != nil {
			m.metrics.HistoryError(string(status))
			m.logger.Error().Err(err).Str("status", string(status)).Msg("history unavailable, status skipped")
			failures = append(failures, fmt.Errorf("%s: %w", status, err))
			continue
		}
		current, history, ok := splitCurrent(window, asOf)
		if !ok {
			m.logger.Debug().Str("status", string(status)).Msg("no recent traffic, status skipped")
			continue
		}

		verdict := m.detector.Evaluate(status, current, history)
		verdict.EvaluatedAt = asOf
		m.record(SourceScheduler, verdict)

		outcome := m.dispatcher.Dispatch(verdict, m.now())
		m.logger.Debug().
			Str("status", string(status)).
			Str("severity", verdict.Severity.String()).
			Float64("z_score", verdict.ZScore).
			Str("dispatch", outcome.Reason).
			Msg("status evaluated")
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w: %d of %d statuses skipped: %w",
			domain.ErrHistoryUnavailable, len(failures), len(domain.MonitoredStatuses), errors.Join(failures...))
	}
	return nil
}

// splitCurrent picks the bucket scored as current: the minute holding asOf,
// or the minute before it when nothing has arrived in the current minute yet.
// Every earlier bucket is history. ok is false when neither minute saw any
// traffic, so a spike that has ended is never re-scored as current.
func splitCurrent(window storage.Window, asOf time.Time) (int64, []int64, bool) {
	minute := asOf.UTC().Truncate(time.Minute)
	idx := window.Find(minute)
	if idx < 0 {
		idx = window.Find(minute.Add(-time.Minute))
	}
	if idx < 0 {
		return 0, nil, false
	}
	counts := window.Counts()
	return counts[idx], counts[:idx], true
}

// EvaluateSingle validates, evaluates, dispatches and persists one observed
// count. A zero timestamp means now. Persistence failures are logged and
// counted but the computed verdict is still returned.
func (m *Monitor) EvaluateSingle(ctx context.Context, status domain.Status, count int64, ts time.Time) (domain.Verdict, error) {
	now := m.now().UTC()
	if ts.IsZero() {
		ts = now
	}
	obs := domain.Observation{Status: status, Count: count, Timestamp: ts.UTC()}
	if err := obs.Validate(); err != nil {
		return domain.Verdict{}, err
	}
	if err := domain.CheckNotFuture(obs.Timestamp, now); err != nil {
		return domain.Verdict{}, err
	}

	window, err := m.store.QueryWindow(ctx, status, m.detector.Config().Lookback, obs.Timestamp)
	if err != nil {
		m.metrics.HistoryError(string(status))
		return domain.Verdict{}, fmt.Errorf("%w: %w", domain.ErrHistoryUnavailable, err)
	}

	verdict := m.detector.Evaluate(status, count, window.Counts())
	verdict.EvaluatedAt = now
	m.record(SourceOnDemand, verdict)

	if verdict.IsAnomalous {
		outcome := m.dispatcher.Dispatch(verdict, now)
		m.logger.Info().
			Str("status", string(status)).
			Str("severity", verdict.Severity.String()).
			Str("dispatch", outcome.Reason).
			Msg("on-demand anomaly dispatched")
	}

	if err := m.store.Insert(ctx, obs); err != nil {
		m.metrics.PersistFailed()
		m.logger.Error().Err(fmt.Errorf("%w: %w", domain.ErrPersistence, err)).
			Str("status", string(status)).
			Int64("count", count).
			Time("timestamp", obs.Timestamp).
			Msg("on-demand observation not persisted")
	}

	return verdict, nil
}

// Status returns the latest verdict of every monitored status in cycle order
// plus the highest severity among them. A status not evaluated yet is
// reported NORMAL with a zero score and a zero EvaluatedAt.
func (m *Monitor) Status() StatusReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := StatusReport{Statuses: make([]domain.Verdict, 0, len(domain.MonitoredStatuses))}
	for _, status := range domain.MonitoredStatuses {
		v, ok := m.latest[status]
		if !ok {
			v = domain.Verdict{Status: status, Severity: domain.SeverityNormal}
		}
		report.Statuses = append(report.Statuses, v)
	}
	report.Overall = domain.MaxSeverity(report.Statuses...)
	return report
}

func (m *Monitor) record(source string, v domain.Verdict) {
	m.metrics.ObserveEvaluation(source, string(v.Status), v.Severity.String(), v.ZScore)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.latest[v.Status]; ok && prev.EvaluatedAt.After(v.EvaluatedAt) {
		return
	}
	m.latest[v.Status] = v
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
