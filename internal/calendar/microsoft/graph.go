// Package microsoft adapts Microsoft Graph calendars to the calendar.Adapter contract.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/example/coaching-scheduler/internal/calendar"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphTimeLayout = "2006-01-02T15:04:05.0000000"
	pageSize        = 100
)

// NewOAuthConfig builds the OAuth client configuration for a tenant ("common" when empty).
func NewOAuthConfig(clientID, clientSecret, redirectURL, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Provider implements calendar.ProviderDriver for Microsoft Graph.
type Provider struct {
	oauth   *oauth2.Config
	baseURL string
}

// NewProvider constructs a Provider. An empty baseURL uses DefaultBaseURL.
func NewProvider(cfg *oauth2.Config, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{oauth: cfg, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// AuthCodeURL returns the consent URL.
func (p *Provider) AuthCodeURL(state string) (string, error) {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, req calendar.ConnectRequest) (calendar.Credentials, error) {
	if strings.TrimSpace(req.Code) == "" {
		return calendar.Credentials{}, fmt.Errorf("microsoft: authorization code is required")
	}
	token, err := p.oauth.Exchange(ctx, req.Code)
	if err != nil {
		return calendar.Credentials{}, mapOAuthError("exchange", err)
	}
	return calendar.Credentials{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken, Expiry: token.Expiry}, nil
}

// Open returns an adapter that calls Graph with the stored access token.
func (p *Provider) Open(ctx context.Context, conn calendar.Connection) (calendar.Adapter, error) {
	token := &oauth2.Token{
		AccessToken:  conn.Credentials.AccessToken,
		RefreshToken: conn.Credentials.RefreshToken,
		Expiry:       conn.Credentials.Expiry,
		TokenType:    "Bearer",
	}
	return &Adapter{
		http:       oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)),
		oauth:      p.oauth,
		baseURL:    p.baseURL,
		calendarID: conn.CalendarID,
		creds:      conn.Credentials,
	}, nil
}

// Adapter talks to one Graph calendar.
type Adapter struct {
	http       *http.Client
	oauth      *oauth2.Config
	baseURL    string
	calendarID string
	creds      calendar.Credentials
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	ID          string         `json:"id,omitempty"`
	Subject     string         `json:"subject"`
	Body        *graphBody     `json:"body,omitempty"`
	Start       graphDateTime  `json:"start"`
	End         graphDateTime  `json:"end"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled,omitempty"`
	ShowAs      string         `json:"showAs,omitempty"`
	Location    *graphLocation `json:"location,omitempty"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// ListEvents reads the calendar view for the window, following paging links.
func (a *Adapter) ListEvents(ctx context.Context, window calendar.Window) ([]calendar.Event, error) {
	query := url.Values{}
	query.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	query.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	query.Set("$top", fmt.Sprint(pageSize))
	next := a.calendarPath() + "/calendarView?" + query.Encode()

	var events []calendar.Event
	for next != "" {
		var page graphEventPage
		if err := a.do(ctx, "list", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			event, err := fromGraph(item)
			if err != nil {
				continue
			}
			events = append(events, event)
		}
		next = page.NextLink
	}
	return events, nil
}

// CreateEvent posts a new event to the calendar.
func (a *Adapter) CreateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	var created graphEvent
	if err := a.do(ctx, "create", http.MethodPost, a.calendarPath()+"/events", toGraph(event), &created); err != nil {
		return calendar.Event{}, err
	}
	return fromGraph(created)
}

// UpdateEvent patches an existing event.
func (a *Adapter) UpdateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	var updated graphEvent
	target := a.baseURL + "/me/events/" + url.PathEscape(event.ProviderEventID)
	if err := a.do(ctx, "update", http.MethodPatch, target, toGraph(event), &updated); err != nil {
		return calendar.Event{}, err
	}
	return fromGraph(updated)
}

// DeleteEvent removes an event; a missing event is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	target := a.baseURL + "/me/events/" + url.PathEscape(providerEventID)
	err := a.do(ctx, "delete", http.MethodDelete, target, nil, nil)
	if errors.Is(err, calendar.ErrNotFound) {
		return nil
	}
	return err
}

// RefreshToken obtains a new access token with the stored refresh token.
func (a *Adapter) RefreshToken(ctx context.Context) (calendar.Credentials, error) {
	if a.creds.RefreshToken == "" {
		return calendar.Credentials{}, &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Operation: "refresh", Err: calendar.ErrUnauthorized}
	}
	token, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: a.creds.RefreshToken}).Token()
	if err != nil {
		return calendar.Credentials{}, mapOAuthError("refresh", err)
	}
	creds := calendar.Credentials{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken, Expiry: token.Expiry}
	if creds.RefreshToken == "" {
		creds.RefreshToken = a.creds.RefreshToken
	}
	return creds, nil
}

func (a *Adapter) calendarPath() string {
	if a.calendarID == "" {
		return a.baseURL + "/me"
	}
	return a.baseURL + "/me/calendars/" + url.PathEscape(a.calendarID)
}

func (a *Adapter) do(ctx context.Context, operation, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("microsoft: encode %s request: %w", operation, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("microsoft: build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Operation: operation, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return calendar.NewProviderError(calendar.ProviderMicrosoft, operation, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(detail))))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("microsoft: decode %s response: %w", operation, err)
	}
	return nil
}

func toGraph(event calendar.Event) graphEvent {
	out := graphEvent{
		Subject:  event.Title,
		IsAllDay: event.AllDay,
		Start:    graphDateTime{DateTime: event.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:      graphDateTime{DateTime: event.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		ShowAs:   "busy",
	}
	if desc := calendar.WithSessionMarker(event.Description, event.SessionID); desc != "" {
		out.Body = &graphBody{ContentType: "text", Content: desc}
	}
	if event.Location != "" {
		out.Location = &graphLocation{DisplayName: event.Location}
	}
	return out
}

func fromGraph(item graphEvent) (calendar.Event, error) {
	start, err := parseGraphTime(item.Start)
	if err != nil {
		return calendar.Event{}, err
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		return calendar.Event{}, err
	}
	event := calendar.Event{
		ProviderEventID: item.ID,
		Title:           item.Subject,
		Start:           start,
		End:             end,
		Timezone:        "UTC",
		AllDay:          item.IsAllDay,
		Status:          calendar.StatusConfirmed,
	}
	if item.Body != nil {
		event.Description = item.Body.Content
	}
	if item.Location != nil {
		event.Location = item.Location.DisplayName
	}
	switch {
	case item.IsCancelled:
		event.Status = calendar.StatusCancelled
	case item.ShowAs == "tentative":
		event.Status = calendar.StatusTentative
	}
	event.SessionID = calendar.ResolveSessionID(event)
	return event, nil
}

func parseGraphTime(value graphDateTime) (time.Time, error) {
	loc := time.UTC
	if value.TimeZone != "" && value.TimeZone != "UTC" {
		if l, err := time.LoadLocation(value.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{graphTimeLayout, "2006-01-02T15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, value.DateTime, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("microsoft: unparsable time %q", value.DateTime)
}

func mapOAuthError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Operation: operation, StatusCode: status, Err: fmt.Errorf("%w: %v", calendar.ErrUnauthorized, err)}
		}
		return calendar.NewProviderError(calendar.ProviderMicrosoft, operation, status, err)
	}
	return &calendar.ProviderError{Provider: calendar.ProviderMicrosoft, Operation: operation, Retryable: true, Err: err}
}
