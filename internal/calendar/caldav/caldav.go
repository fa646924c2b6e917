// Package caldav adapts CalDAV servers (iCloud by default) to the
// calendar.Adapter contract.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/example/coaching-scheduler/internal/calendar"
)

const (
	// DefaultEndpoint is the iCloud CalDAV endpoint.
	DefaultEndpoint = "https://caldav.icloud.com/"
	// propSessionID links a VEVENT to a coaching session.
	propSessionID = "X-COACHING-SESSION-ID"
	productID     = "-//coaching-scheduler//EN"
)

// basicAuthTransport adds Basic Auth and a user agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "coaching-scheduler/1.0")
	return t.Transport.RoundTrip(req)
}

// Provider implements calendar.ProviderDriver for CalDAV. Users connect with
// an account name and an app-specific password, so there is no consent URL.
type Provider struct {
	endpoint  string
	transport http.RoundTripper
	logger    *slog.Logger
}

// NewProvider constructs a Provider for the endpoint. An empty endpoint uses iCloud.
func NewProvider(endpoint string, logger *slog.Logger) *Provider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{endpoint: endpoint, transport: http.DefaultTransport, logger: logger}
}

// AuthCodeURL is not offered by CalDAV.
func (p *Provider) AuthCodeURL(string) (string, error) {
	return "", fmt.Errorf("%w: caldav connects with an app-specific password", calendar.ErrUnsupported)
}

// Exchange verifies the supplied account credentials by resolving the user principal.
func (p *Provider) Exchange(ctx context.Context, req calendar.ConnectRequest) (calendar.Credentials, error) {
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return calendar.Credentials{}, fmt.Errorf("caldav: username and password are required")
	}
	client, err := p.client(req.Username, req.Password)
	if err != nil {
		return calendar.Credentials{}, err
	}
	if _, err := client.FindCurrentUserPrincipal(ctx); err != nil {
		return calendar.Credentials{}, mapError("verify", err)
	}
	return calendar.Credentials{Username: req.Username, Password: req.Password}, nil
}

// Open resolves the target calendar and returns an adapter for it.
func (p *Provider) Open(ctx context.Context, conn calendar.Connection) (calendar.Adapter, error) {
	client, err := p.client(conn.Credentials.Username, conn.Credentials.Password)
	if err != nil {
		return nil, err
	}

	calendarPath := conn.CalendarID
	if calendarPath == "" {
		calendarPath, err = findCalendar(ctx, client, conn.CalendarName)
		if err != nil {
			return nil, err
		}
	}
	p.logger.Debug("resolved caldav calendar", "integration_id", conn.IntegrationID, "path", calendarPath)

	return &Adapter{
		client:       client,
		calendarPath: calendarPath,
		creds:        conn.Credentials,
		paths:        make(map[string]string),
	}, nil
}

func (p *Provider) client(username, password string) (*caldav.Client, error) {
	httpClient := &http.Client{Transport: &basicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: p.transport,
	}}
	client, err := caldav.NewClient(httpClient, p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: create client: %w", err)
	}
	return client, nil
}

// findCalendar discovers the user's calendars and returns the path of the one
// named name, or of the first event calendar when name is empty.
func findCalendar(ctx context.Context, client *caldav.Client, name string) (string, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", mapError("discover principal", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", mapError("discover home set", err)
	}
	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", mapError("discover calendars", err)
	}

	for _, cal := range calendars {
		if name != "" && cal.Name == name {
			return cal.Path, nil
		}
		if name == "" && supportsEvents(cal) {
			return cal.Path, nil
		}
	}
	return "", &calendar.ProviderError{
		Provider:  calendar.ProviderApple,
		Operation: "discover calendars",
		Err:       fmt.Errorf("%w: no calendar named %q", calendar.ErrNotFound, name),
	}
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

// Adapter talks to one CalDAV calendar collection.
type Adapter struct {
	client       *caldav.Client
	calendarPath string
	creds        calendar.Credentials

	mu    sync.Mutex
	paths map[string]string
}

// ListEvents queries VEVENTs overlapping the window.
func (a *Adapter) ListEvents(ctx context.Context, window calendar.Window) ([]calendar.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	}

	objects, err := a.client.QueryCalendar(ctx, a.calendarPath, query)
	if err != nil {
		return nil, mapError("list", err)
	}

	var events []calendar.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			event, err := FromICal(ve)
			if err != nil {
				continue
			}
			a.rememberPath(event.ProviderEventID, obj.Path)
			events = append(events, event)
		}
	}
	return events, nil
}

// CreateEvent writes a new VEVENT under a generated UID.
func (a *Adapter) CreateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	event.ProviderEventID = uuid.NewString()
	return a.put(ctx, "create", event)
}

// UpdateEvent rewrites the VEVENT with the event's UID.
func (a *Adapter) UpdateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	if event.ProviderEventID == "" {
		return calendar.Event{}, fmt.Errorf("caldav: update requires a provider event id")
	}
	return a.put(ctx, "update", event)
}

// DeleteEvent removes the object holding the VEVENT; a missing object is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	if err := a.client.RemoveAll(ctx, a.objectPath(providerEventID)); err != nil {
		mapped := mapError("delete", err)
		if errors.Is(mapped, calendar.ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// RefreshToken returns the stored credentials; app-specific passwords do not expire.
func (a *Adapter) RefreshToken(context.Context) (calendar.Credentials, error) {
	return a.creds, nil
}

func (a *Adapter) put(ctx context.Context, operation string, event calendar.Event) (calendar.Event, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ToICal(event, time.Now().UTC()))

	objectPath := a.objectPath(event.ProviderEventID)
	if _, err := a.client.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return calendar.Event{}, mapError(operation, err)
	}
	a.rememberPath(event.ProviderEventID, objectPath)
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	event.Description = calendar.WithSessionMarker(event.Description, event.SessionID)
	return event, nil
}

func (a *Adapter) objectPath(uid string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.paths[uid]; ok {
		return p
	}
	return path.Join(a.calendarPath, uid+".ics")
}

func (a *Adapter) rememberPath(uid, objectPath string) {
	if uid == "" || objectPath == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths[uid] = objectPath
}

// ToICal converts an event into a VEVENT component.
func ToICal(event calendar.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ProviderEventID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	if event.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, event.Start)
		ve.Props.SetDate(ical.PropDateTimeEnd, event.End)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())
	}
	if desc := calendar.WithSessionMarker(event.Description, event.SessionID); desc != "" {
		ve.Props.SetText(ical.PropDescription, desc)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.RecurrenceRule != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = strings.TrimPrefix(event.RecurrenceRule, "RRULE:")
		ve.Props.Set(prop)
	}
	if event.Status == calendar.StatusCancelled {
		ve.Props.SetText(ical.PropStatus, "CANCELLED")
	} else if event.Status == calendar.StatusTentative {
		ve.Props.SetText(ical.PropStatus, "TENTATIVE")
	}
	if event.SessionID != "" {
		ve.Props.SetText(propSessionID, event.SessionID)
	}
	return ve
}

// FromICal converts a VEVENT into the normalized event form.
func FromICal(ve ical.Event) (calendar.Event, error) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return calendar.Event{}, fmt.Errorf("caldav: event without UID")
	}

	loc := time.UTC
	tz := "UTC"
	if start := ve.Props.Get(ical.PropDateTimeStart); start != nil {
		if tzid := start.Params.Get(ical.ParamTimezoneID); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc, tz = l, tzid
			}
		}
	}

	startTime, err := ve.DateTimeStart(loc)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("caldav: event %s: %w", uid, err)
	}
	endTime, err := ve.DateTimeEnd(loc)
	if err != nil || endTime.IsZero() {
		endTime = startTime
	}

	event := calendar.Event{
		ProviderEventID: uid,
		Start:           startTime,
		End:             endTime,
		Timezone:        tz,
		Status:          calendar.StatusConfirmed,
	}
	event.Title, _ = ve.Props.Text(ical.PropSummary)
	event.Description, _ = ve.Props.Text(ical.PropDescription)
	event.Location, _ = ve.Props.Text(ical.PropLocation)
	event.SessionID, _ = ve.Props.Text(propSessionID)

	if prop := ve.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		event.AllDay = true
		if !event.End.After(event.Start) {
			event.End = event.Start.AddDate(0, 0, 1)
		}
	}
	if prop := ve.Props.Get(ical.PropRecurrenceRule); prop != nil {
		event.RecurrenceRule = prop.Value
	}
	if status, _ := ve.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		event.Status = calendar.StatusCancelled
	} else if strings.EqualFold(status, "TENTATIVE") {
		event.Status = calendar.StatusTentative
	}
	event.SessionID = calendar.ResolveSessionID(event)
	return event, nil
}

var statusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// mapError classifies WebDAV failures, which surface the HTTP status only in the error text.
func mapError(operation string, err error) error {
	if m := statusPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil {
			return calendar.NewProviderError(calendar.ProviderApple, operation, status, err)
		}
	}
	return &calendar.ProviderError{Provider: calendar.ProviderApple, Operation: operation, Retryable: true, Err: err}
}
