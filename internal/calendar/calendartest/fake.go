// Package calendartest provides an in-memory calendar provider for tests and
// local development.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/coaching-scheduler/internal/calendar"
)

// Provider is an in-memory provider holding one event set per calendar id.
// It implements calendar.ProviderDriver.
type Provider struct {
	mu        sync.Mutex
	calendars map[string]map[string]calendar.Event

	// ListErr fails every listing when set.
	ListErr error
	// RefreshErr fails every token refresh when set.
	RefreshErr error
	// WriteErrs fails remote writes for matching session ids.
	WriteErrs map[string]error
	// RefreshDelay slows token refreshes so tests can overlap them.
	RefreshDelay time.Duration
	// OnRefresh runs while a refresh is in flight, before it returns.
	OnRefresh func()
	// Now stamps refreshed tokens; defaults to time.Now.
	Now func() time.Time

	opened       []calendar.Connection
	refreshCalls atomic.Int64
	writeCalls   atomic.Int64
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{
		calendars: make(map[string]map[string]calendar.Event),
		WriteErrs: make(map[string]error),
	}
}

// RefreshCalls reports how many token refreshes were issued.
func (p *Provider) RefreshCalls() int64 { return p.refreshCalls.Load() }

// WriteCalls reports how many create, update and delete calls were issued.
func (p *Provider) WriteCalls() int64 { return p.writeCalls.Load() }

// Put stores an event directly, as if another client created it.
func (p *Provider) Put(calendarID string, event calendar.Event) calendar.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.ProviderEventID == "" {
		event.ProviderEventID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	p.bucket(calendarID)[event.ProviderEventID] = event
	return event
}

// Remove deletes an event directly.
func (p *Provider) Remove(calendarID, providerEventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bucket(calendarID), providerEventID)
}

// Events returns the stored events of a calendar ordered by start.
func (p *Provider) Events(calendarID string) []calendar.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]calendar.Event, 0, len(p.calendars[calendarID]))
	for _, e := range p.calendars[calendarID] {
		events = append(events, e)
	}
	sortEvents(events)
	return events
}

// AuthCodeURL implements calendar.Authorizer.
func (p *Provider) AuthCodeURL(state string) (string, error) {
	return "https://calendar.test/consent?state=" + state, nil
}

// Exchange implements calendar.Authorizer. The code "invalid" is rejected.
func (p *Provider) Exchange(_ context.Context, req calendar.ConnectRequest) (calendar.Credentials, error) {
	if req.Code == "invalid" {
		return calendar.Credentials{}, calendar.NewProviderError("fake", "exchange", 400, fmt.Errorf("invalid grant"))
	}
	return calendar.Credentials{
		AccessToken:  "access-" + req.Code,
		RefreshToken: "refresh-" + req.Code,
		Expiry:       p.now().Add(time.Hour),
		Username:     req.Username,
		Password:     req.Password,
	}, nil
}

// Open implements calendar.Factory.
func (p *Provider) Open(_ context.Context, conn calendar.Connection) (calendar.Adapter, error) {
	p.mu.Lock()
	p.opened = append(p.opened, conn)
	p.mu.Unlock()

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Adapter{provider: p, calendarID: calendarID, creds: conn.Credentials}, nil
}

// Opened returns every connection passed to Open, oldest first.
func (p *Provider) Opened() []calendar.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]calendar.Connection(nil), p.opened...)
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Provider) bucket(calendarID string) map[string]calendar.Event {
	b, ok := p.calendars[calendarID]
	if !ok {
		b = make(map[string]calendar.Event)
		p.calendars[calendarID] = b
	}
	return b
}

// Adapter is a calendar.Adapter bound to one calendar of a Provider.
type Adapter struct {
	provider   *Provider
	calendarID string
	creds      calendar.Credentials
}

// ListEvents returns events overlapping the window.
func (a *Adapter) ListEvents(ctx context.Context, window calendar.Window) ([]calendar.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.provider.ListErr != nil {
		return nil, a.provider.ListErr
	}
	a.provider.mu.Lock()
	defer a.provider.mu.Unlock()

	var events []calendar.Event
	for _, e := range a.provider.calendars[a.calendarID] {
		if e.Start.Before(window.End) && window.Start.Before(e.End) {
			events = append(events, e)
		}
	}
	sortEvents(events)
	return events, nil
}

// CreateEvent stores a new event under a generated id.
func (a *Adapter) CreateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	if err := a.write(ctx, event.SessionID); err != nil {
		return calendar.Event{}, err
	}
	a.provider.mu.Lock()
	defer a.provider.mu.Unlock()
	event.ProviderEventID = uuid.NewString()
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	a.provider.bucket(a.calendarID)[event.ProviderEventID] = event
	return event, nil
}

// UpdateEvent replaces an existing event.
func (a *Adapter) UpdateEvent(ctx context.Context, event calendar.Event) (calendar.Event, error) {
	if err := a.write(ctx, event.SessionID); err != nil {
		return calendar.Event{}, err
	}
	a.provider.mu.Lock()
	defer a.provider.mu.Unlock()
	bucket := a.provider.bucket(a.calendarID)
	if _, ok := bucket[event.ProviderEventID]; !ok {
		return calendar.Event{}, calendar.NewProviderError("fake", "update", 404, nil)
	}
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	bucket[event.ProviderEventID] = event
	return event, nil
}

// DeleteEvent removes an event; deleting a missing event succeeds.
func (a *Adapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	a.provider.mu.Lock()
	existing := a.provider.bucket(a.calendarID)[providerEventID]
	a.provider.mu.Unlock()

	if err := a.write(ctx, existing.SessionID); err != nil {
		return err
	}
	a.provider.mu.Lock()
	defer a.provider.mu.Unlock()
	delete(a.provider.bucket(a.calendarID), providerEventID)
	return nil
}

// RefreshToken issues a fresh access token unless RefreshErr is set.
func (a *Adapter) RefreshToken(ctx context.Context) (calendar.Credentials, error) {
	a.provider.refreshCalls.Add(1)
	if d := a.provider.RefreshDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return calendar.Credentials{}, ctx.Err()
		}
	}
	if hook := a.provider.OnRefresh; hook != nil {
		hook()
	}
	if a.provider.RefreshErr != nil {
		return calendar.Credentials{}, a.provider.RefreshErr
	}
	creds := a.creds
	creds.AccessToken = "refreshed-" + uuid.NewString()
	creds.Expiry = a.provider.now().Add(time.Hour)
	return creds, nil
}

func (a *Adapter) write(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.provider.writeCalls.Add(1)
	if sessionID != "" {
		a.provider.mu.Lock()
		err := a.provider.WriteErrs[sessionID]
		a.provider.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func sortEvents(events []calendar.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ProviderEventID < events[j].ProviderEventID
	})
}
