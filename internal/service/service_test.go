package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/alerting"
	"txn-anomaly-monitor/internal/detector"
	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type fakeStore struct {
	mu        sync.Mutex
	windows   map[domain.Status][]int64
	queryErr  map[domain.Status]error
	insertErr error
	queried   []domain.Status
	inserted  []domain.Observation

	lockHeld bool
	locked   int
}

func (f *fakeStore) Insert(_ context.Context, obs domain.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, obs)
	return nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, observations []domain.Observation) error {
	for _, obs := range observations {
		if err := f.Insert(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) QueryWindow(_ context.Context, status domain.Status, _ time.Duration, asOf time.Time) (storage.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, status)
	if err := f.queryErr[status]; err != nil {
		return nil, err
	}
	return minuteWindow(f.windows[status], asOf), nil
}

// minuteWindow stamps counts onto consecutive minutes ending at the minute of end.
func minuteWindow(counts []int64, end time.Time) storage.Window {
	last := end.UTC().Truncate(time.Minute)
	window := make(storage.Window, len(counts))
	for i, c := range counts {
		window[i] = storage.MinuteCount{Minute: last.Add(-time.Duration(len(counts)-1-i) * time.Minute), Count: c}
	}
	return window
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	f.locked++
	return func() {}, true, nil
}

type harness struct {
	monitor  *Monitor
	notifier *recordingNotifier
	disp     *alerting.Dispatcher
	stop     func()
}

func newHarness(t *testing.T, store storage.HistoryStore, opts Options) *harness {
	t.Helper()
	det, err := detector.New(detector.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	disp := alerting.NewDispatcher(alerting.Options{Cooldown: alerting.DefaultCooldown, QueueSize: 16}, n, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	m := New(store, det, disp, opts, zerolog.Nop(), nil)
	m.now = func() time.Time { return t0 }

	h := &harness{monitor: m, notifier: n, disp: disp}
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(h.stop)
	return h
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func seed(t *testing.T, store storage.HistoryStore, status domain.Status, counts []int64, end time.Time) {
	t.Helper()
	obs := make([]domain.Observation, len(counts))
	for i, c := range counts {
		obs[i] = domain.Observation{Status: status, Count: c, Timestamp: end.Add(-time.Duration(len(counts)-i) * time.Minute)}
	}
	if err := store.InsertBatch(context.Background(), obs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestEvaluateSingleDeniedSpike(t *testing.T) {
	store := storage.NewMemoryStore(0)
	history := append(append(repeat(12, 17), repeat(8, 17)...), 10)
	seed(t, store, domain.StatusDenied, history, t0)

	h := newHarness(t, store, Options{})
	v, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusDenied, 25, t0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Severity != domain.SeverityCritical || v.ZScore != 7.5 || v.BaselineMean != 10 || v.BaselineStd != 2 || !v.IsAnomalous {
		t.Fatalf("unexpected verdict %+v", v)
	}

	h.stop()
	if h.notifier.count() != 1 {
		t.Fatalf("expected one CRITICAL notification, got %d", h.notifier.count())
	}
	if n, _ := store.Count(context.Background()); n != int64(len(history)+1) {
		t.Fatalf("observation should be persisted, count=%d", n)
	}
}

func TestEvaluateSingleApprovedDipIsNormal(t *testing.T) {
	store := storage.NewMemoryStore(0)
	history := append(repeat(1049, 20), repeat(951, 20)...)
	seed(t, store, domain.StatusApproved, history, t0)

	h := newHarness(t, store, Options{})
	v, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusApproved, 980, t0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Severity != domain.SeverityNormal || v.IsAnomalous || v.ZScore >= 0 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if _, ok := h.disp.LastAlert(domain.StatusApproved, domain.SeverityNormal); ok {
		t.Fatal("normal verdict must not be dispatched")
	}
}

func TestEvaluateSingleRejectsInvalidInputBeforeSideEffects(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, Options{})

	if _, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusDenied, -1, t0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := h.monitor.EvaluateSingle(context.Background(), "chargeback", 1, t0); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
	if len(store.queried) != 0 || len(store.inserted) != 0 {
		t.Fatalf("invalid input must not touch the store: %+v", store)
	}
}

func TestEvaluateSingleHistoryUnavailable(t *testing.T) {
	store := &fakeStore{queryErr: map[domain.Status]error{domain.StatusFailed: errors.New("conn refused")}}
	h := newHarness(t, store, Options{})

	_, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusFailed, 3, t0)
	if !errors.Is(err, domain.ErrHistoryUnavailable) {
		t.Fatalf("expected ErrHistoryUnavailable, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("nothing should be persisted when evaluation failed")
	}
}

func TestEvaluateSinglePersistFailureStillReturnsVerdict(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("disk full")}
	h := newHarness(t, store, Options{})

	v, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusReversed, 2, time.Time{})
	if err != nil {
		t.Fatalf("persistence failure must not fail the call: %v", err)
	}
	if v.Severity != domain.SeverityCritical || v.ZScore != detector.NoBaselineZScore {
		t.Fatalf("expected no-baseline CRITICAL verdict, got %+v", v)
	}
}

func TestEvaluateSingleDefaultsTimestampToNow(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, Options{})

	if _, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusApproved, 5, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if len(store.inserted) != 1 || !store.inserted[0].Timestamp.Equal(t0) {
		t.Fatalf("expected observation stamped with now, got %+v", store.inserted)
	}
}

func TestEvaluateSingleConcurrentCallersAlertOnce(t *testing.T) {
	store := storage.NewMemoryStore(0)
	h := newHarness(t, store, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusFailed, 4, t0); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()
	h.stop()

	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", h.notifier.count())
	}
	if n, _ := store.Count(context.Background()); n != 20 {
		t.Fatalf("every observation should be persisted, got %d", n)
	}
}

func verdictFor(t *testing.T, report StatusReport, status domain.Status) domain.Verdict {
	t.Helper()
	for _, v := range report.Statuses {
		if v.Status == status {
			return v
		}
	}
	t.Fatalf("no verdict for %s in %+v", status, report.Statuses)
	return domain.Verdict{}
}

func TestRunCycleEvaluatesCurrentMinute(t *testing.T) {
	store := storage.NewMemoryStore(0)
	seed(t, store, domain.StatusApproved, append(repeat(100, 30), 105), t0.Add(time.Minute))

	h := newHarness(t, store, Options{})
	if err := h.monitor.RunCycle(context.Background(), t0); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	report := h.monitor.Status()
	if len(report.Statuses) != len(domain.MonitoredStatuses) {
		t.Fatalf("every monitored status should be reported, got %+v", report.Statuses)
	}
	v := verdictFor(t, report, domain.StatusApproved)
	if v.CurrentValue != 105 || v.ZScore != 5 || v.Severity != domain.SeverityCritical {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if report.Overall != domain.SeverityCritical {
		t.Fatalf("unexpected overall severity %s", report.Overall)
	}
	if !v.EvaluatedAt.Equal(t0) {
		t.Fatalf("verdict should be stamped with the tick, got %s", v.EvaluatedAt)
	}
}

func TestRunCycleFixedOrderAndFailureIsolation(t *testing.T) {
	store := &fakeStore{
		windows: map[domain.Status][]int64{
			domain.StatusDenied:   {0, 0, 3},
			domain.StatusApproved: repeat(100, 31),
		},
		queryErr: map[domain.Status]error{domain.StatusFailed: errors.New("timeout")},
	}
	h := newHarness(t, store, Options{})

	err := h.monitor.RunCycle(context.Background(), t0)
	if !errors.Is(err, domain.ErrHistoryUnavailable) {
		t.Fatalf("expected ErrHistoryUnavailable summary, got %v", err)
	}

	want := domain.MonitoredStatuses
	if len(store.queried) != len(want) {
		t.Fatalf("every status should be queried, got %v", store.queried)
	}
	for i := range want {
		if store.queried[i] != want[i] {
			t.Fatalf("statuses out of order: %v", store.queried)
		}
	}

	report := h.monitor.Status()
	if len(report.Statuses) != len(domain.MonitoredStatuses) {
		t.Fatalf("expected a row per monitored status, got %+v", report.Statuses)
	}
	if v := verdictFor(t, report, domain.StatusDenied); v.Severity != domain.SeverityCritical || !v.EvaluatedAt.Equal(t0) {
		t.Fatalf("denied during warm-up should be CRITICAL, got %+v", v)
	}
	if v := verdictFor(t, report, domain.StatusApproved); v.Severity != domain.SeverityNormal || !v.EvaluatedAt.Equal(t0) {
		t.Fatalf("flat approved should be NORMAL, got %+v", v)
	}
	if v := verdictFor(t, report, domain.StatusFailed); v.Severity != domain.SeverityNormal || v.ZScore != 0 || !v.EvaluatedAt.IsZero() {
		t.Fatalf("unevaluated failed should be reported NORMAL, got %+v", v)
	}
}

func TestRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := &fakeStore{lockHeld: true}
	h := newHarness(t, store, Options{AdvisoryLockKey: 42})

	if err := h.monitor.RunCycle(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	if len(store.queried) != 0 {
		t.Fatalf("cycle must not run without the lock, queried %v", store.queried)
	}

	store.lockHeld = false
	if err := h.monitor.RunCycle(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	if store.locked != 1 || len(store.queried) != len(domain.MonitoredStatuses) {
		t.Fatalf("expected a locked cycle, locked=%d queried=%v", store.locked, store.queried)
	}
}

func TestStatusReportsUnevaluatedStatusesAsNormal(t *testing.T) {
	h := newHarness(t, &fakeStore{}, Options{})

	report := h.monitor.Status()
	if len(report.Statuses) != len(domain.MonitoredStatuses) || report.Overall != domain.SeverityNormal {
		t.Fatalf("unexpected empty report %+v", report)
	}
	for i, v := range report.Statuses {
		if v.Status != domain.MonitoredStatuses[i] || v.Severity != domain.SeverityNormal || v.ZScore != 0 || v.IsAnomalous {
			t.Fatalf("row %d: unexpected verdict %+v", i, v)
		}
	}
}

func TestEvaluateSingleSparseProblemStatusCountsQuietMinutes(t *testing.T) {
	store := storage.NewMemoryStore(0)
	seed(t, store, domain.StatusApproved, repeat(100, 40), t0)
	for _, ago := range []int{35, 20, 5} {
		obs := domain.Observation{Status: domain.StatusDenied, Count: 1, Timestamp: t0.Add(-time.Duration(ago) * time.Minute)}
		if err := store.Insert(context.Background(), obs); err != nil {
			t.Fatal(err)
		}
	}

	h := newHarness(t, store, Options{})
	v, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusDenied, 1, t0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Severity != domain.SeverityNormal || v.IsAnomalous {
		t.Fatalf("one denial against a mostly quiet baseline should be NORMAL, got %+v", v)
	}
	if v.ZScore < 0.9 || v.ZScore > 0.95 {
		t.Fatalf("expected z near 0.93, got %v", v.ZScore)
	}
	if v.BaselineMean <= 0 || v.BaselineMean >= 0.1 {
		t.Fatalf("expected 3 denials over 40 active minutes, got mean %v", v.BaselineMean)
	}
}

func TestRunCycleDoesNotRescoreStaleSpike(t *testing.T) {
	for name, withTraffic := range map[string]bool{"idle": false, "approved traffic": true} {
		t.Run(name, func(t *testing.T) {
			store := storage.NewMemoryStore(0)
			spike := domain.Observation{Status: domain.StatusDenied, Count: 50, Timestamp: t0.Add(-31 * time.Minute)}
			if err := store.Insert(context.Background(), spike); err != nil {
				t.Fatal(err)
			}
			if withTraffic {
				seed(t, store, domain.StatusApproved, repeat(100, 60), t0.Add(13*time.Minute))
			}

			h := newHarness(t, store, Options{})
			for i := 0; i < 3; i++ {
				tick := t0.Add(time.Duration(6*i) * time.Minute)
				if err := h.monitor.RunCycle(context.Background(), tick); err != nil {
					t.Fatalf("cycle %d: %v", i, err)
				}
				v := verdictFor(t, h.monitor.Status(), domain.StatusDenied)
				if v.IsAnomalous {
					t.Fatalf("cycle %d re-scored an old spike: %+v", i, v)
				}
			}

			h.stop()
			if h.notifier.count() != 0 {
				t.Fatalf("expected no notifications, got %d", h.notifier.count())
			}
		})
	}
}

func TestRunCycleFallsBackToPreviousMinute(t *testing.T) {
	store := storage.NewMemoryStore(0)
	seed(t, store, domain.StatusApproved, append(repeat(100, 30), 105), t0)

	h := newHarness(t, store, Options{})
	tick := t0.Add(20 * time.Second)
	if err := h.monitor.RunCycle(context.Background(), tick); err != nil {
		t.Fatal(err)
	}
	v := verdictFor(t, h.monitor.Status(), domain.StatusApproved)
	if v.CurrentValue != 105 || v.Severity != domain.SeverityCritical {
		t.Fatalf("previous minute should be scored before the current one fills, got %+v", v)
	}
}

func TestEvaluateSingleRejectsFarFutureTimestamp(t *testing.T) {
	store := storage.NewMemoryStore(time.Hour)
	seed(t, store, domain.StatusDenied, repeat(3, 40), t0)

	h := newHarness(t, store, Options{})
	_, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusDenied, 1, t0.Add(48*time.Hour))
	if !errors.Is(err, domain.ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if n, _ := store.Count(context.Background()); n != 40 {
		t.Fatalf("history must survive a rejected timestamp, count=%d", n)
	}

	if _, err := h.monitor.EvaluateSingle(context.Background(), domain.StatusDenied, 3, t0.Add(domain.MaxClockSkew)); err != nil {
		t.Fatalf("timestamps within the skew allowance are accepted: %v", err)
	}
}
