package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
)

// TickFunc runs one evaluation cycle.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// CycleTimeout bounds a single cycle; zero means no bound.
	CycleTimeout time.Duration
}

// Scheduler fires a cycle every interval. Cycles never overlap: a tick that
// arrives while a cycle is running is dropped.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	skipped atomic.Uint64
	wg      sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger, m *metrics.Metrics) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logging.Component(logger, "scheduler"), metrics: m}
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Skipped returns how many ticks were dropped because a cycle was running.
func (s *Scheduler) Skipped() uint64 {
	return s.skipped.Load()
}

// Run blocks, firing tick at each interval until ctx is cancelled. On
// cancellation it stops ticking and waits for the in-flight cycle.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.wg.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.Trigger(ctx, next, tick)
		next = next.Add(s.opts.Interval)
	}
}

// Trigger starts a cycle in the background unless one is already running.
// It reports whether the cycle was started.
func (s *Scheduler) Trigger(ctx context.Context, at time.Time, tick TickFunc) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.metrics.CycleSkipped()
		s.logger.Warn().Time("tick", at).Msg("previous cycle still running, tick dropped")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runCycle(ctx, at, tick)
	}()
	return true
}

func (s *Scheduler) runCycle(parent context.Context, at time.Time, tick TickFunc) {
	// An in-flight cycle finishes even if the parent is cancelled mid-way.
	ctx := context.WithoutCancel(parent)
	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
		defer cancel()
	}

	started := time.Now()
	s.logger.Debug().Time("tick", at).Msg("executing scheduled cycle")
	err := tick(ctx, at)
	elapsed := time.Since(started)
	s.metrics.ObserveCycle(elapsed)

	if err != nil {
		s.logger.Error().Err(err).Time("tick", at).Dur("elapsed", elapsed).Msg("cycle execution failed")
		return
	}
	s.logger.Debug().Time("tick", at).Dur("elapsed", elapsed).Msg("cycle complete")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}
