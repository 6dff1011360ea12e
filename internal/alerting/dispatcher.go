package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
)

// DefaultCooldown is the minimum gap between two alerts with the same status and severity.
const DefaultCooldown = 5 * time.Minute

// Dispatch outcome reasons.
const (
	ReasonNormal      = "normal"
	ReasonCooldown    = "cooldown"
	ReasonLogged      = "logged"
	ReasonQueued      = "queued"
	ReasonQueueFull   = "queue_full"
	ReasonNoNotifier  = "no_notifier"
	defaultQueueSize  = 64
	defaultNotifyWait = 10 * time.Second
)

// Outcome describes what Dispatch did with a verdict.
type Outcome struct {
	Sent       bool
	Suppressed bool
	Reason     string
}

// Options tune the dispatcher.
type Options struct {
	Cooldown      time.Duration
	QueueSize     int
	NotifyTimeout time.Duration
	ServiceName   string
}

type cooldownKey struct {
	status   domain.Status
	severity domain.Severity
}

// Dispatcher applies per (status, severity) cooldown and routes alerts to the
// log sink and, for CRITICAL verdicts, to the notifier. Notifications are
// handed to a background worker started with Run.
type Dispatcher struct {
	opts     Options
	notifier Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	last map[cooldownKey]time.Time

	queue chan Notification
}

// NewDispatcher builds a dispatcher. A nil notifier limits delivery to the log sink.
func NewDispatcher(opts Options, notifier Notifier, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyWait
	}
	return &Dispatcher{
		opts:     opts,
		notifier: notifier,
		logger:   logging.Component(logger, "alert_dispatcher"),
		metrics:  m,
		last:     make(map[cooldownKey]time.Time),
		queue:    make(chan Notification, opts.QueueSize),
	}
}

// Dispatch routes a verdict. It never blocks on notification delivery and
// never returns an error; failures surface in logs and metrics.
func (d *Dispatcher) Dispatch(v domain.Verdict, now time.Time) Outcome {
	if v.Severity == domain.SeverityNormal {
		return Outcome{Reason: ReasonNormal}
	}

	if !d.claim(cooldownKey{status: v.Status, severity: v.Severity}, now) {
		d.metrics.AlertSuppressed(string(v.Status), v.Severity.String())
		d.logger.Debug().
			Str("status", string(v.Status)).
			Str("severity", v.Severity.String()).
			Msg("alert suppressed by cooldown")
		return Outcome{Suppressed: true, Reason: ReasonCooldown}
	}

	d.emit(v)
	d.metrics.AlertIssued(string(v.Status), v.Severity.String())

	if v.Severity != domain.SeverityCritical {
		return Outcome{Sent: true, Reason: ReasonLogged}
	}
	if d.notifier == nil {
		return Outcome{Sent: true, Reason: ReasonNoNotifier}
	}

	note := NewNotification(d.opts.ServiceName, v, now)
	select {
	case d.queue <- note:
		return Outcome{Sent: true, Reason: ReasonQueued}
	default:
		d.metrics.NotificationDropped()
		d.logger.Warn().
			Str("alert_id", note.ID).
			Str("status", string(v.Status)).
			Msg("notification queue full, alert dropped")
		return Outcome{Sent: true, Reason: ReasonQueueFull}
	}
}

// claim performs the cooldown check-then-set atomically.
func (d *Dispatcher) claim(key cooldownKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.last[key]; ok && now.Sub(last) < d.opts.Cooldown {
		return false
	}
	d.last[key] = now
	return true
}

// LastAlert returns the last alert time recorded for a status and severity.
func (d *Dispatcher) LastAlert(status domain.Status, severity domain.Severity) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.last[cooldownKey{status: status, severity: severity}]
	return t, ok
}

func (d *Dispatcher) emit(v domain.Verdict) {
	event := d.logger.Warn()
	if v.Severity == domain.SeverityCritical {
		event = d.logger.Error()
	}
	event.Bool("alert", true).
		Str("status", string(v.Status)).
		Str("severity", v.Severity.String()).
		Float64("z_score", v.ZScore).
		Float64("baseline_mean", v.BaselineMean).
		Float64("baseline_std", v.BaselineStd).
		Int64("current_value", v.CurrentValue).
		Msg(v.Message)
}

// Run delivers queued notifications until ctx is cancelled, then drains what
// is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case note := <-d.queue:
			d.deliver(ctx, note)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case note := <-d.queue:
			d.deliver(context.Background(), note)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, note Notification) {
	ctx, cancel := context.WithTimeout(parent, d.opts.NotifyTimeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, note); err != nil {
		d.metrics.NotificationFailed()
		d.logger.Error().Err(err).
			Str("alert_id", note.ID).
			Str("status", string(note.Verdict.Status)).
			Msg("alert notification failed")
	}
}
