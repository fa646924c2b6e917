package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/calendar/caldav"
	"github.com/example/coaching-scheduler/internal/calendar/calendartest"
	"github.com/example/coaching-scheduler/internal/calendar/google"
	"github.com/example/coaching-scheduler/internal/calendar/microsoft"
	"github.com/example/coaching-scheduler/internal/config"
	"github.com/example/coaching-scheduler/internal/keylock"
	"github.com/example/coaching-scheduler/internal/logging"
	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/persistence/memory"
	"github.com/example/coaching-scheduler/internal/persistence/sqlite"
	"github.com/example/coaching-scheduler/internal/secrets"
	"github.com/example/coaching-scheduler/internal/worker"
)

// store is the union of repositories the services run on. Both the SQLite
// and the in-memory backends satisfy it.
type store interface {
	persistence.SessionRepository
	persistence.IntegrationRepository
	persistence.EventRepository
	persistence.SyncLogRepository
	Close() error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// app holds the wired services for one command invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  store
	locker keylock.Locker

	sessions      *application.SessionService
	availability  *application.AvailabilityService
	sync          *application.CalendarSyncService
	calendar      *application.CalendarService
	notifications *application.NotificationService
	stats         *application.StatsService

	closers []func() error
}

type appOptions struct {
	// fakeProviders registers the in-memory provider for every provider
	// without real credentials.
	fakeProviders bool
	// migrate applies schema migrations after opening SQLite.
	migrate bool
	out     io.Writer
}

// newLogger builds the process logger from SCHEDULER_LOG_LEVEL.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}
	return logging.New(w, parsed), nil
}

func loadApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel, opts.out)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, logger, opts)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg, logger, opts.migrate)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.locker = locker
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	registry := newRegistry(cfg, logger, opts.fakeProviders)
	now := time.Now

	a.sync = application.NewCalendarSyncService(st, registry, locker, nil, application.SyncConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		Lookback:        cfg.SyncLookback,
		Lookahead:       cfg.SyncLookahead,
		Limiters:        calendar.NewLimiterPool(cfg.ProviderRPS, 1),
	}, nil, now, logger)
	a.availability = application.NewAvailabilityService(st, st, st, application.AvailabilityConfig{
		Location: cfg.Timezone,
		MinGap:   cfg.MinSlotGap,
		Remote:   a.sync,
	}, now, logger)
	a.sessions = application.NewSessionService(st, a.availability, locker, nil, nil, now, logger)
	a.calendar = application.NewCalendarService(st, registry, nil, cfg.ProviderTimeout, nil, now, logger)
	a.notifications = application.NewNotificationService(st, nil, cfg.ConfirmationWindow, nil, now, logger)
	a.stats = application.NewStatsService(st, nil, cfg.Timezone, now, logger)
	return a, nil
}

// newWorker builds the background sweeps over the app's services.
func (a *app) newWorker() *worker.Worker {
	return worker.New(worker.Config{
		SyncInterval:         a.cfg.SyncInterval,
		NotificationInterval: a.cfg.NotificationInterval,
		Concurrency:          a.cfg.SyncConcurrency,
		Location:             a.cfg.Timezone,
	}, a.sync, a.store, a.notifications, nil, time.Now, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (store, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), nil
	}

	sealer, err := secrets.NewSealer(cfg.CredentialsKey)
	if err != nil {
		return nil, err
	}
	storage, err := sqlite.Open(ctx, sqlite.DefaultConfig(cfg.SQLiteDSN), sqlite.WithSealer(sealer), sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if migrate {
		if err := migrateStore(ctx, storage); err != nil {
			_ = storage.Close()
			return nil, err
		}
	}
	return storage, nil
}

func migrateStore(ctx context.Context, st any) error {
	m, ok := st.(migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func openLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (keylock.Locker, func() error, error) {
	if cfg.RedisAddr == "" {
		return keylock.NewLocal(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("using redis locks", "addr", cfg.RedisAddr)
	return keylock.NewRedis(client, keylock.WithLogger(logger)), client.Close, nil
}

// newRegistry installs a driver per provider. OAuth providers need client
// credentials; Apple always uses CalDAV.
func newRegistry(cfg config.Config, logger *slog.Logger, fakes bool) *calendar.Registry {
	registry := calendar.NewRegistry()
	var fake *calendartest.Provider
	useFake := func(p calendar.Provider) {
		if fake == nil {
			fake = calendartest.NewProvider()
		}
		registry.Register(p, fake)
		logger.Warn("calendar provider uses the in-memory fake", "provider", string(p))
	}

	if g := cfg.Providers.Google; g.Configured() {
		registry.Register(calendar.ProviderGoogle, google.NewProvider(
			google.NewOAuthConfig(g.ClientID, g.ClientSecret, g.RedirectURL), google.WithLogger(logger)))
	} else if fakes {
		useFake(calendar.ProviderGoogle)
	}

	if m := cfg.Providers.Microsoft; m.Configured() {
		registry.Register(calendar.ProviderMicrosoft, microsoft.NewProvider(
			microsoft.NewOAuthConfig(m.ClientID, m.ClientSecret, m.RedirectURL, m.Tenant), ""))
	} else if fakes {
		useFake(calendar.ProviderMicrosoft)
	}

	if fakes && cfg.Providers.Apple.Endpoint == "" {
		useFake(calendar.ProviderApple)
	} else {
		registry.Register(calendar.ProviderApple, caldav.NewProvider(cfg.Providers.Apple.Endpoint, logger))
	}
	return registry
}
