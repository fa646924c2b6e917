// Package google adapts Google Calendar to the calendar.Adapter contract.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/example/coaching-scheduler/internal/calendar"
)

const (
	// sessionProperty is the private extended property linking an event to a session.
	sessionProperty = "coachingSessionId"
	dateLayout      = "2006-01-02"
)

// NewOAuthConfig builds the OAuth client configuration for calendar access.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendarapi.CalendarEventsScope, calendarapi.CalendarReadonlyScope},
		Endpoint:     googleoauth.Endpoint,
	}
}

// Option customizes a Provider.
type Option func(*Provider)

// WithEndpoint points the API client at a different base URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// Provider implements calendar.ProviderDriver for Google Calendar.
type Provider struct {
	oauth    *oauth2.Config
	endpoint string
	logger   *slog.Logger
}

// NewProvider constructs a Provider from an OAuth configuration.
func NewProvider(cfg *oauth2.Config, opts ...Option) *Provider {
	p := &Provider{oauth: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthCodeURL returns the consent URL requesting offline access.
func (p *Provider) AuthCodeURL(state string) (string, error) {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, req calendar.ConnectRequest) (calendar.Credentials, error) {
	if strings.TrimSpace(req.Code) == "" {
		return calendar.Credentials{}, fmt.Errorf("google: authorization code is required")
	}
	token, err := p.oauth.Exchange(ctx, req.Code)
	if err != nil {
		return calendar.Credentials{}, mapOAuthError("exchange", err)
	}
	return credentialsFromToken(token), nil
}

// Open creates an adapter for one connected calendar. Calls use the stored
// access token as is; refreshing is left to RefreshToken so the caller can
// persist the new token.
func (p *Provider) Open(ctx context.Context, conn calendar.Connection) (calendar.Adapter, error) {
	token := &oauth2.Token{
		AccessToken:  conn.Credentials.AccessToken,
		RefreshToken: conn.Credentials.RefreshToken,
		Expiry:       conn.Credentials.Expiry,
		TokenType:    "Bearer",
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	service, err := calendarapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: create calendar service: %w", err)
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Adapter{
		service:    service,
		oauth:      p.oauth,
		calendarID: calendarID,
		creds:      conn.Credentials,
		logger:     p.logger,
	}, nil
}

// Adapter talks to one Google calendar.
type Adapter struct {
	service    *calendarapi.Service
	oauth      *oauth2.Config
	calendarID string
	creds      calendar.Credentials
	logger     *slog.Logger
}

// ListEvents returns single (expanded) events overlapping the window, including cancelled ones.
func (a *Adapter) ListEvents(ctx context.Context, window calendar.Window) ([]calendar.Event, error) {
	call := a.service.Events.List(a.calendarID).
		ShowDeleted(true).
		SingleEvents(true).
		TimeMin(window.Start.UTC().Format(time.RFC3339)).
		TimeMax(window.End.UTC().Format(time.RFC3339)).
		OrderBy("startTime")

	var events []calendar.Event
	err := call.Pages(ctx, func(page *calendarapi.Events) error {
		for _, item := range page.Items {
			event, err := fromGoogle(item, page.TimeZone)
			if err != nil {
				a.logger.Warn("skipping unparsable google event", "event_id", item.Id, "error", err)
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, mapAPIError("list", err)
	}
	a.logger.Debug("fetched google events", "calendar_id", a.calendarID, "count", len(events))
	return events, nil
}

// CreateEvent inserts an event.
func (a *Adapter) CreateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	created, err := a.service.Events.Insert(a.calendarID, toGoogle(event)).Context(ctx).Do()
	if err != nil {
		return calendar.Event{}, mapAPIError("create", err)
	}
	return fromGoogle(created, event.Timezone)
}

// UpdateEvent patches the event identified by ProviderEventID.
func (a *Adapter) UpdateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	updated, err := a.service.Events.Patch(a.calendarID, event.ProviderEventID, toGoogle(event)).Context(ctx).Do()
	if err != nil {
		return calendar.Event{}, mapAPIError("update", err)
	}
	return fromGoogle(updated, event.Timezone)
}

// DeleteEvent removes an event; an already-deleted event is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	err := a.service.Events.Delete(a.calendarID, providerEventID).Context(ctx).Do()
	if err != nil {
		mapped := mapAPIError("delete", err)
		if errors.Is(mapped, calendar.ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// RefreshToken obtains a new access token with the stored refresh token.
func (a *Adapter) RefreshToken(ctx context.Context) (calendar.Credentials, error) {
	if a.creds.RefreshToken == "" {
		return calendar.Credentials{}, &calendar.ProviderError{Provider: calendar.ProviderGoogle, Operation: "refresh", Err: calendar.ErrUnauthorized}
	}
	source := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: a.creds.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return calendar.Credentials{}, mapOAuthError("refresh", err)
	}
	creds := credentialsFromToken(token)
	if creds.RefreshToken == "" {
		creds.RefreshToken = a.creds.RefreshToken
	}
	return creds, nil
}

func credentialsFromToken(token *oauth2.Token) calendar.Credentials {
	return calendar.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

func toGoogle(event calendar.Event) *calendarapi.Event {
	out := &calendarapi.Event{
		Summary:     event.Title,
		Description: calendar.WithSessionMarker(event.Description, event.SessionID),
		Location:    event.Location,
	}
	if event.AllDay {
		out.Start = &calendarapi.EventDateTime{Date: event.Start.Format(dateLayout)}
		out.End = &calendarapi.EventDateTime{Date: event.End.Format(dateLayout)}
	} else {
		out.Start = &calendarapi.EventDateTime{DateTime: event.Start.Format(time.RFC3339), TimeZone: event.Timezone}
		out.End = &calendarapi.EventDateTime{DateTime: event.End.Format(time.RFC3339), TimeZone: event.Timezone}
	}
	if event.RecurrenceRule != "" {
		rule := event.RecurrenceRule
		if !strings.HasPrefix(rule, "RRULE:") {
			rule = "RRULE:" + rule
		}
		out.Recurrence = []string{rule}
	}
	if event.SessionID != "" {
		out.ExtendedProperties = &calendarapi.EventExtendedProperties{
			Private: map[string]string{sessionProperty: event.SessionID},
		}
	}
	return out
}

func fromGoogle(item *calendarapi.Event, defaultTZ string) (calendar.Event, error) {
	if item == nil {
		return calendar.Event{}, fmt.Errorf("google: nil event")
	}
	event := calendar.Event{
		ProviderEventID: item.Id,
		Title:           item.Summary,
		Description:     item.Description,
		Location:        item.Location,
		Status:          normalizeStatus(item.Status),
		Timezone:        defaultTZ,
	}
	if item.Start == nil || item.End == nil {
		if event.Status == calendar.StatusCancelled {
			return event, nil
		}
		return calendar.Event{}, fmt.Errorf("google: event %s has no time range", item.Id)
	}

	if item.Start.TimeZone != "" {
		event.Timezone = item.Start.TimeZone
	}
	loc := time.UTC
	if event.Timezone != "" {
		if l, err := time.LoadLocation(event.Timezone); err == nil {
			loc = l
		}
	}

	var err error
	if item.Start.DateTime == "" && item.Start.Date != "" {
		event.AllDay = true
		if event.Start, err = time.ParseInLocation(dateLayout, item.Start.Date, loc); err != nil {
			return calendar.Event{}, err
		}
		if event.End, err = time.ParseInLocation(dateLayout, item.End.Date, loc); err != nil {
			return calendar.Event{}, err
		}
	} else {
		if event.Start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
			return calendar.Event{}, err
		}
		if event.End, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
			return calendar.Event{}, err
		}
	}

	if len(item.Recurrence) > 0 {
		for _, r := range item.Recurrence {
			if strings.HasPrefix(r, "RRULE:") {
				event.RecurrenceRule = strings.TrimPrefix(r, "RRULE:")
				break
			}
		}
	}
	if item.ExtendedProperties != nil {
		event.SessionID = item.ExtendedProperties.Private[sessionProperty]
	}
	event.SessionID = calendar.ResolveSessionID(event)
	return event, nil
}

func normalizeStatus(status string) string {
	switch status {
	case "cancelled":
		return calendar.StatusCancelled
	case "tentative":
		return calendar.StatusTentative
	default:
		return calendar.StatusConfirmed
	}
}

func mapAPIError(operation string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		perr := calendar.NewProviderError(calendar.ProviderGoogle, operation, apiErr.Code, err)
		if apiErr.Code == 403 {
			for _, item := range apiErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					perr.Retryable = true
					perr.Err = fmt.Errorf("%w: %v", calendar.ErrRateLimited, err)
				}
			}
		}
		return perr
	}
	return &calendar.ProviderError{Provider: calendar.ProviderGoogle, Operation: operation, Retryable: true, Err: err}
}

func mapOAuthError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode == "invalid_grant" || status == 400 || status == 401 {
			return &calendar.ProviderError{Provider: calendar.ProviderGoogle, Operation: operation, StatusCode: status, Err: fmt.Errorf("%w: %v", calendar.ErrUnauthorized, err)}
		}
		return calendar.NewProviderError(calendar.ProviderGoogle, operation, status, err)
	}
	return &calendar.ProviderError{Provider: calendar.ProviderGoogle, Operation: operation, Retryable: true, Err: err}
}
