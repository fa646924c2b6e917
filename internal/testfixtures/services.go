package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/calendar/calendartest"
	"github.com/example/coaching-scheduler/internal/keylock"
	"github.com/example/coaching-scheduler/internal/persistence/memory"
)

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Logger      *slog.Logger
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// WithLogger sets the logger handed to every service.
func WithLogger(logger *slog.Logger) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Logger = logger
	}
}

// Services bundles every application service over one in-memory store and a
// fake calendar provider registered for every supported provider name.
type Services struct {
	Store    *memory.Storage
	Provider *calendartest.Provider
	Registry *calendar.Registry
	Locker   *keylock.Local

	Sessions      *application.SessionService
	Availability  *application.AvailabilityService
	Sync          *application.CalendarSyncService
	Calendar      *application.CalendarService
	Notifications *application.NotificationService
	Stats         *application.StatsService
}

// NewServices wires the full service graph the way the server does, with
// the factory clock and identifiers.
func (f *ServiceFactory) NewServices() *Services {
	store := memory.New()
	provider := calendartest.NewProvider()
	provider.Now = f.Clock.NowFunc()

	registry := calendar.NewRegistry()
	for _, name := range []calendar.Provider{calendar.ProviderGoogle, calendar.ProviderMicrosoft, calendar.ProviderApple} {
		registry.Register(name, provider)
	}

	now := f.Clock.NowFunc()
	ids := f.IDGenerator.NextFunc()
	locker := keylock.NewLocal()

	sync := application.NewCalendarSyncService(store, registry, locker, nil,
		application.SyncConfig{ProviderTimeout: time.Second, RunTimeout: 10 * time.Second}, ids, now, f.Logger)
	availability := application.NewAvailabilityService(store, store, store,
		application.AvailabilityConfig{Location: time.UTC, Remote: sync}, now, f.Logger)

	return &Services{
		Store:         store,
		Provider:      provider,
		Registry:      registry,
		Locker:        locker,
		Sessions:      application.NewSessionService(store, availability, locker, nil, ids, now, f.Logger),
		Availability:  availability,
		Sync:          sync,
		Calendar:      application.NewCalendarService(store, registry, nil, time.Second, ids, now, f.Logger),
		Notifications: application.NewNotificationService(store, nil, 0, ids, now, f.Logger),
		Stats:         application.NewStatsService(store, nil, time.UTC, now, f.Logger),
	}
}
