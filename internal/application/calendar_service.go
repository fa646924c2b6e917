package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// Sync log listing bounds.
const (
	DefaultSyncLogLimit = 20
	MaxSyncLogLimit     = 100
)

// IntegrationReader looks up integrations.
type IntegrationReader interface {
	GetIntegration(ctx context.Context, id string) (persistence.CalendarIntegration, error)
	ListIntegrations(ctx context.Context, filter persistence.IntegrationFilter) ([]persistence.CalendarIntegration, error)
}

// CalendarStore is the storage behind integration management.
type CalendarStore interface {
	persistence.IntegrationRepository
	EventLister
	ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]persistence.SyncLog, error)
}

// DriverLookup returns the connect flow of a provider.
type DriverLookup interface {
	Driver(provider calendar.Provider) (calendar.ProviderDriver, error)
}

// AuthURLResult is the consent URL for an OAuth provider. The service keeps
// no record of State; the caller compares it with the state returned on the
// redirect before calling Connect.
type AuthURLResult struct {
	Provider string
	URL      string
	State    string
}

// ConnectInput carries what a user supplied to connect a calendar. OAuth
// providers need Code; Apple needs Username and an app-specific Password.
type ConnectInput struct {
	Provider     string
	Code         string
	Username     string
	Password     string
	CalendarID   string
	CalendarName string
}

// EventQuery filters calendar event mirrors.
type EventQuery struct {
	UserID        string
	IntegrationID string
	From          *time.Time
	To            *time.Time
	Coaching      *bool
	Blocked       *bool
	SyncStatus    string
}

// CalendarService manages calendar integrations and exposes their mirrors and sync logs.
type CalendarService struct {
	store       CalendarStore
	drivers     DriverLookup
	authorizer  Authorizer
	timeout     time.Duration
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewCalendarService wires integration management.
func NewCalendarService(store CalendarStore, drivers DriverLookup, authorizer Authorizer, providerTimeout time.Duration, idGenerator func() string, now func() time.Time, logger *slog.Logger) *CalendarService {
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &CalendarService{
		store:       store,
		drivers:     drivers,
		authorizer:  authorizerOrDefault(authorizer),
		timeout:     providerTimeout,
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(logger),
	}
}

// AuthURL returns the consent URL of an OAuth provider.
func (s *CalendarService) AuthURL(ctx context.Context, principal Principal, provider string) (AuthURLResult, error) {
	if principal.UserID == "" {
		return AuthURLResult{}, ErrUnauthorized
	}
	p, err := calendar.ParseProvider(provider)
	if err != nil {
		return AuthURLResult{}, validationFailure("provider", "unknown calendar provider")
	}
	if p == calendar.ProviderApple {
		return AuthURLResult{}, validationFailure("provider", "apple calendars connect with an app-specific password")
	}
	driver, err := s.driver(p)
	if err != nil {
		return AuthURLResult{}, err
	}

	state := uuid.NewString()
	url, err := driver.AuthCodeURL(state)
	if errors.Is(err, calendar.ErrUnsupported) {
		return AuthURLResult{}, validationFailure("provider", "provider does not use an authorization code flow")
	}
	if err != nil {
		return AuthURLResult{}, fmt.Errorf("build auth url: %w", err)
	}
	serviceLogger(ctx, s.logger, "CalendarService", "AuthURL", "provider", string(p)).
		DebugContext(ctx, "issued consent url", "user_id", principal.UserID)
	return AuthURLResult{Provider: string(p), URL: url, State: state}, nil
}

// Connect exchanges the supplied grant for credentials and stores a new
// active integration for the caller.
func (s *CalendarService) Connect(ctx context.Context, principal Principal, input ConnectInput) (Integration, error) {
	logger := serviceLogger(ctx, s.logger, "CalendarService", "Connect",
		"user_id", principal.UserID, "provider", input.Provider)

	integration, err := s.connect(ctx, principal, input)
	logOutcome(ctx, logger, err, "calendar connect", "integration_id", integration.ID)
	if err != nil {
		return Integration{}, err
	}
	return toIntegration(integration), nil
}

func (s *CalendarService) connect(ctx context.Context, principal Principal, input ConnectInput) (persistence.CalendarIntegration, error) {
	vErr := &ValidationError{}
	p, err := calendar.ParseProvider(input.Provider)
	if err != nil {
		vErr.add("provider", "unknown calendar provider")
	}
	if p == calendar.ProviderApple {
		if strings.TrimSpace(input.Username) == "" {
			vErr.add("username", "username is required for apple calendars")
		}
		if input.Password == "" {
			vErr.add("password", "app-specific password is required for apple calendars")
		}
	} else if p != "" && strings.TrimSpace(input.Code) == "" {
		vErr.add("code", "authorization code is required")
	}
	if vErr.HasErrors() {
		return persistence.CalendarIntegration{}, vErr
	}

	if err := s.authorizer.Authorize(principal, CapabilityManageCalendar, UserResource(principal.UserID)); err != nil {
		return persistence.CalendarIntegration{}, err
	}

	existing, err := s.store.ListIntegrations(ctx, persistence.IntegrationFilter{
		UserIDs:    []string{principal.UserID},
		Provider:   string(p),
		ActiveOnly: true,
	})
	if err != nil {
		return persistence.CalendarIntegration{}, fmt.Errorf("list integrations: %w", err)
	}
	if len(existing) > 0 {
		return persistence.CalendarIntegration{}, conflict(ReasonAlreadyConnected, "an active %s calendar is already connected", p)
	}

	driver, err := s.driver(p)
	if err != nil {
		return persistence.CalendarIntegration{}, err
	}
	creds, err := calendar.Call(ctx, s.timeout, func(ctx context.Context) (calendar.Credentials, error) {
		return driver.Exchange(ctx, calendar.ConnectRequest{
			Code:     strings.TrimSpace(input.Code),
			Username: strings.TrimSpace(input.Username),
			Password: input.Password,
		})
	})
	if err != nil {
		return persistence.CalendarIntegration{}, &ExternalProviderError{
			Provider:  string(p),
			Operation: "exchange",
			Retryable: calendar.IsRetryable(err),
			Err:       err,
		}
	}

	// An empty calendar id leaves the choice of default calendar to the adapter.
	calendarID := strings.TrimSpace(input.CalendarID)
	now := s.now()
	integration := persistence.CalendarIntegration{
		ID:           s.idGenerator(),
		UserID:       principal.UserID,
		Provider:     string(p),
		Credentials:  fromCalendarCredentials(creds),
		CalendarID:   calendarID,
		CalendarName: strings.TrimSpace(input.CalendarName),
		IsActive:     true,
		SyncEnabled:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateIntegration(ctx, integration); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return persistence.CalendarIntegration{}, conflict(ReasonAlreadyConnected, "an active %s calendar is already connected", p)
		}
		return persistence.CalendarIntegration{}, mapRepoError(err)
	}
	return integration, nil
}

// Disconnect deactivates the caller's active integration for a provider and
// discards its credentials. Mirrors and sync logs are kept.
func (s *CalendarService) Disconnect(ctx context.Context, principal Principal, provider string) error {
	logger := serviceLogger(ctx, s.logger, "CalendarService", "Disconnect",
		"user_id", principal.UserID, "provider", provider)

	err := s.disconnect(ctx, principal, provider)
	logOutcome(ctx, logger, err, "calendar disconnect")
	return err
}

func (s *CalendarService) disconnect(ctx context.Context, principal Principal, provider string) error {
	integration, err := resolveIntegration(ctx, s.store, principal, "", provider)
	if err != nil {
		return err
	}
	if err := s.authorizer.Authorize(principal, CapabilityManageCalendar, UserResource(integration.UserID)); err != nil {
		return err
	}
	integration.IsActive = false
	integration.SyncEnabled = false
	integration.Credentials = persistence.Credentials{}
	integration.UpdatedAt = s.now()
	return mapRepoError(s.store.UpdateIntegration(ctx, integration))
}

// ListIntegrations returns the integrations of a user, the caller by default.
func (s *CalendarService) ListIntegrations(ctx context.Context, principal Principal, userID string) ([]Integration, error) {
	if userID == "" {
		userID = principal.UserID
	}
	if err := s.authorizer.Authorize(principal, CapabilityViewCalendarData, UserResource(userID)); err != nil {
		return nil, err
	}
	integrations, err := s.store.ListIntegrations(ctx, persistence.IntegrationFilter{UserIDs: []string{userID}})
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	out := make([]Integration, 0, len(integrations))
	for _, integration := range integrations {
		out = append(out, toIntegration(integration))
	}
	return out, nil
}

// ListEvents returns event mirrors of one integration or of every integration
// of a user.
func (s *CalendarService) ListEvents(ctx context.Context, principal Principal, q EventQuery) ([]persistence.CalendarEvent, error) {
	if q.From != nil && q.To != nil && !q.To.After(*q.From) {
		return nil, validationFailure("to", "to must be after from")
	}

	var integrationIDs []string
	if q.IntegrationID != "" {
		integration, err := s.store.GetIntegration(ctx, q.IntegrationID)
		if err != nil {
			return nil, mapRepoError(err)
		}
		if err := s.authorizer.Authorize(principal, CapabilityViewCalendarData, UserResource(integration.UserID)); err != nil {
			return nil, err
		}
		integrationIDs = []string{integration.ID}
	} else {
		userID := q.UserID
		if userID == "" {
			userID = principal.UserID
		}
		if err := s.authorizer.Authorize(principal, CapabilityViewCalendarData, UserResource(userID)); err != nil {
			return nil, err
		}
		integrations, err := s.store.ListIntegrations(ctx, persistence.IntegrationFilter{UserIDs: []string{userID}})
		if err != nil {
			return nil, fmt.Errorf("list integrations: %w", err)
		}
		for _, integration := range integrations {
			integrationIDs = append(integrationIDs, integration.ID)
		}
		if len(integrationIDs) == 0 {
			return []persistence.CalendarEvent{}, nil
		}
	}

	events, err := s.store.ListEvents(ctx, persistence.EventFilter{
		IntegrationIDs: integrationIDs,
		From:           q.From,
		To:             q.To,
		Coaching:       q.Coaching,
		Blocked:        q.Blocked,
		SyncStatus:     q.SyncStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	return events, nil
}

// ListSyncLogs returns the newest sync logs of an integration.
func (s *CalendarService) ListSyncLogs(ctx context.Context, principal Principal, integrationID string, limit int) ([]persistence.SyncLog, error) {
	vErr := &ValidationError{}
	if integrationID == "" {
		vErr.add("integration_id", "integration id is required")
	}
	if limit < 0 || limit > MaxSyncLogLimit {
		vErr.add("limit", fmt.Sprintf("limit must be between 1 and %d", MaxSyncLogLimit))
	}
	if vErr.HasErrors() {
		return nil, vErr
	}
	if limit == 0 {
		limit = DefaultSyncLogLimit
	}

	integration, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if err := s.authorizer.Authorize(principal, CapabilityViewCalendarData, UserResource(integration.UserID)); err != nil {
		return nil, err
	}
	logs, err := s.store.ListSyncLogs(ctx, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	return logs, nil
}

func (s *CalendarService) driver(p calendar.Provider) (calendar.ProviderDriver, error) {
	if s.drivers == nil {
		return nil, validationFailure("provider", "calendar provider is not configured")
	}
	driver, err := s.drivers.Driver(p)
	if errors.Is(err, calendar.ErrUnknownProvider) {
		return nil, validationFailure("provider", "calendar provider is not configured")
	}
	return driver, err
}

// resolveIntegration finds an integration by id, or the caller's active
// integration for a provider.
func resolveIntegration(ctx context.Context, integrations IntegrationReader, principal Principal, id, provider string) (persistence.CalendarIntegration, error) {
	if id != "" {
		integration, err := integrations.GetIntegration(ctx, id)
		if err != nil {
			return persistence.CalendarIntegration{}, mapRepoError(err)
		}
		return integration, nil
	}
	if provider == "" {
		return persistence.CalendarIntegration{}, validationFailure("integration_id", "integration id or provider is required")
	}
	p, err := calendar.ParseProvider(provider)
	if err != nil {
		return persistence.CalendarIntegration{}, validationFailure("provider", "unknown calendar provider")
	}
	found, err := integrations.ListIntegrations(ctx, persistence.IntegrationFilter{
		UserIDs:    []string{principal.UserID},
		Provider:   string(p),
		ActiveOnly: true,
	})
	if err != nil {
		return persistence.CalendarIntegration{}, fmt.Errorf("list integrations: %w", err)
	}
	if len(found) == 0 {
		return persistence.CalendarIntegration{}, ErrNotFound
	}
	return found[0], nil
}
