// Package calendar defines the provider-agnostic boundary used to read and
// write events on external calendars.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider names an external calendar service.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderApple     Provider = "apple"
)

// ParseProvider normalizes a provider name.
func ParseProvider(value string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(value))); p {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple:
		return p, nil
	default:
		return "", fmt.Errorf("calendar: unknown provider %q", value)
	}
}

// Event statuses shared by all providers.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Credentials authorize calls against one provider account. OAuth providers use
// the token fields; CalDAV uses Username and Password.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
}

// NeedsRefresh reports whether the access token expires within skew of now.
// Credentials without an expiry never need a refresh.
func (c Credentials) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(skew))
}

// Event is a provider event in normalized form.
type Event struct {
	ProviderEventID string
	Title           string
	Description     string
	Location        string
	Start           time.Time
	End             time.Time
	Timezone        string
	AllDay          bool
	RecurrenceRule  string
	Status          string
	// SessionID links the event to an internal coaching session when the
	// provider metadata or description carries the session marker.
	SessionID string
}

// Window bounds a listing.
type Window struct {
	Start time.Time
	End   time.Time
}

// Adapter is the capability set every provider implements for one connected calendar.
type Adapter interface {
	ListEvents(ctx context.Context, window Window) ([]Event, error)
	CreateEvent(ctx context.Context, event Event) (Event, error)
	UpdateEvent(ctx context.Context, event Event) (Event, error)
	DeleteEvent(ctx context.Context, providerEventID string) error
	RefreshToken(ctx context.Context) (Credentials, error)
}

// Connection identifies the calendar an adapter is opened for.
type Connection struct {
	IntegrationID string
	Provider      Provider
	Credentials   Credentials
	CalendarID    string
	CalendarName  string
}

// Factory opens adapters for stored connections.
type Factory interface {
	Open(ctx context.Context, conn Connection) (Adapter, error)
}

// Authorizer drives the connect flow of one provider.
type Authorizer interface {
	// AuthCodeURL returns the consent URL, or ErrUnsupported for providers
	// that connect with static credentials.
	AuthCodeURL(state string) (string, error)
	// Exchange turns an authorization code, or static credentials, into stored credentials.
	Exchange(ctx context.Context, req ConnectRequest) (Credentials, error)
}

// ConnectRequest carries what a user supplied when connecting a calendar.
type ConnectRequest struct {
	Code     string
	Username string
	Password string
}

// ProviderDriver bundles the connect flow and the adapter factory of one provider.
type ProviderDriver interface {
	Factory
	Authorizer
}
