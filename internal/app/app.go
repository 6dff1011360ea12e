package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/alerting"
	"txn-anomaly-monitor/internal/api"
	"txn-anomaly-monitor/internal/config"
	"txn-anomaly-monitor/internal/detector"
	"txn-anomaly-monitor/internal/ingest"
	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
	"txn-anomaly-monitor/internal/scheduler"
	"txn-anomaly-monitor/internal/service"
	"txn-anomaly-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var fanout alerting.Fanout
	if wh := a.Config.Alerting.Webhook; wh.Enabled && a.Config.Alerting.ChannelEnabled(config.ChannelWebhook) {
		fanout = append(fanout, alerting.NewWebhookNotifier(wh.URL, wh.Timeout, a.Logger))
	}
	if tg := a.Config.Alerting.Telegram; tg.Enabled && a.Config.Alerting.ChannelEnabled(config.ChannelTelegram) {
		fanout = append(fanout, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.Alerting.NotifyTimeout, a.Logger))
	}

	switch len(fanout) {
	case 0:
		return nil
	case 1:
		return fanout[0]
	default:
		return fanout
	}
}

func (a *App) openStore(ctx context.Context) (storage.ObservationStore, error) {
	switch strings.ToLower(a.Config.Storage.Backend) {
	case config.BackendPostgres:
		return storage.OpenPostgres(ctx, a.Config.Database)
	case config.BackendRedis:
		return storage.OpenRedis(ctx, a.Config.Redis, a.Config.Storage.Retention)
	case config.BackendMemory, "":
		return storage.NewMemoryStore(a.Config.Storage.Retention), nil
	default:
		return nil, fmt.Errorf("storage backend %q is not supported", a.Config.Storage.Backend)
	}
}

func (a *App) newDispatcher(m *metrics.Metrics) *alerting.Dispatcher {
	return alerting.NewDispatcher(alerting.Options{
		Cooldown:      a.Config.Alerting.Cooldown,
		QueueSize:     a.Config.Alerting.QueueSize,
		NotifyTimeout: a.Config.Alerting.NotifyTimeout,
		ServiceName:   a.Config.Alerting.ServiceName,
	}, a.newNotifier(), a.Logger, m)
}

// Run executes the long-running monitoring service: the HTTP API, the
// asynchronous ingest feed, the alert worker and the evaluation scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	det, err := detector.New(a.Config.Detector)
	if err != nil {
		return err
	}

	m := metrics.New()
	disp := a.newDispatcher(m)
	monitor := service.New(store, det, disp, service.Options{AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey}, a.Logger, m)
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		CycleTimeout: a.Config.Scheduler.CycleTimeout,
	}, a.Logger, m)
	feed := ingest.NewFeed(store, a.Logger, m)
	queue := ingest.NewQueue(a.Config.Ingest.QueueSize)

	srv := &http.Server{
		Addr: a.Config.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Store:        store,
			Monitor:      monitor,
			Feed:         feed,
			Queue:        queue,
			Metrics:      m,
			Logger:       a.Logger,
			MaxBatchSize: a.Config.HTTP.MaxBatchSize,
		}),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	// Workers outlive ctx so queued batches and alerts drain after the
	// producers have stopped.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		disp.Run(workerCtx)
	}()
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := feed.Run(workerCtx, queue.Batches()); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("ingest feed stopped")
		}
	}()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx, monitor.RunCycle)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Str("backend", a.Config.Storage.Backend).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("lookback", a.Config.Detector.Lookback).
		Msg("starting monitoring service")

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			a.Logger.Error().Err(err).Msg("http server failed")
		}
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.Config.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
	}

	queue.Close()
	<-feedDone
	stopWorkers()
	<-dispDone

	a.Logger.Info().Msg("monitoring service stopped")
	return runErr
}

// ExportOptions hold parameters for exporting historical observations.
type ExportOptions struct {
	Status    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// EvaluateOptions configure a one-off evaluation from the CLI.
type EvaluateOptions struct {
	Status    string
	Count     int64
	Timestamp string
}
