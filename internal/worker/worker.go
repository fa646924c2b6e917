// Package worker runs the scheduler's background jobs: the periodic calendar
// sync sweep and the notification sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultSyncInterval         = 15 * time.Minute
	DefaultNotificationInterval = 5 * time.Minute
	DefaultConcurrency          = 4
	DefaultBackoffBase          = time.Minute
	DefaultBackoffMax           = 6 * time.Hour
)

// Syncer runs one reconciliation for an integration.
type Syncer interface {
	Sync(ctx context.Context, principal application.Principal, req application.SyncRequest) (persistence.SyncLog, error)
}

// IntegrationSource lists sync candidates and their recent runs.
type IntegrationSource interface {
	ListIntegrations(ctx context.Context, filter persistence.IntegrationFilter) ([]persistence.CalendarIntegration, error)
	ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]persistence.SyncLog, error)
}

// NoticeBook finds owed notifications and records deliveries.
type NoticeBook interface {
	Pending(ctx context.Context, principal application.Principal, kind application.NotificationType, lookAheadHours int) ([]application.Session, error)
	MarkSent(ctx context.Context, principal application.Principal, sessionID string, kind application.NotificationType) (application.Session, error)
}

// Config tunes the sweeps.
type Config struct {
	SyncInterval         time.Duration
	NotificationInterval time.Duration
	// Concurrency caps simultaneous sync runs within one sweep.
	Concurrency int
	// BackoffBase and BackoffMax bound the delay after consecutive retryable failures.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ReminderLookAheadHours is passed to reminder lookups; zero uses the service default.
	ReminderLookAheadHours int
	Location               *time.Location
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.NotificationInterval <= 0 {
		c.NotificationInterval = DefaultNotificationInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = DefaultBackoffMax
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Worker owns the cron scheduler driving both sweeps.
type Worker struct {
	cfg      Config
	syncer   Syncer
	source   IntegrationSource
	notices  NoticeBook
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New wires a worker. A nil notifier logs notifications instead of delivering them.
func New(cfg Config, syncer Syncer, source IntegrationSource, notices NoticeBook, notifier Notifier, now func() time.Time, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if now == nil {
		now = time.Now
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		syncer:   syncer,
		source:   source,
		notices:  notices,
		notifier: notifier,
		now:      now,
		logger:   logger.With("component", "worker"),
	}
}

// Start schedules both sweeps. Jobs run on a context derived from ctx; a
// sweep still running when its next tick fires is skipped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("worker: already started")
	}

	cronLogger := slogAdapter{logger: w.logger}
	c := cron.New(
		cron.WithLocation(w.cfg.Location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	if w.syncer != nil && w.source != nil {
		if _, err := c.AddFunc(every(w.cfg.SyncInterval), func() { w.SyncAll(jobCtx) }); err != nil {
			cancel()
			return fmt.Errorf("worker: schedule sync sweep: %w", err)
		}
	}
	if w.notices != nil {
		if _, err := c.AddFunc(every(w.cfg.NotificationInterval), func() { w.SendNotifications(jobCtx) }); err != nil {
			cancel()
			return fmt.Errorf("worker: schedule notification sweep: %w", err)
		}
	}

	c.Start()
	w.cron = c
	w.cancel = cancel
	w.logger.Info("worker started",
		"sync_interval", w.cfg.SyncInterval,
		"notification_interval", w.cfg.NotificationInterval,
		"concurrency", w.cfg.Concurrency,
	)
	return nil
}

// Stop stops scheduling new sweeps and waits for running ones until ctx ends,
// at which point running sweeps are cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	defer cancel()

	done := c.Stop()
	select {
	case <-done.Done():
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out; cancelling running sweeps")
		return ctx.Err()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
