package calendar

import (
	"regexp"
	"strings"
)

// SessionMarkerPrefix tags descriptions of events that mirror coaching sessions.
const SessionMarkerPrefix = "coaching-session:"

var sessionMarkerPattern = regexp.MustCompile(`coaching-session:([A-Za-z0-9_-]+)`)

// SessionMarker renders the description marker for a session.
func SessionMarker(sessionID string) string {
	return SessionMarkerPrefix + sessionID
}

// ParseSessionMarker extracts a session id from free text, or returns "".
func ParseSessionMarker(text string) string {
	m := sessionMarkerPattern.FindStringSubmatch(text)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// WithSessionMarker appends the marker to a description unless already present.
func WithSessionMarker(description, sessionID string) string {
	if sessionID == "" || ParseSessionMarker(description) == sessionID {
		return description
	}
	marker := SessionMarker(sessionID)
	if strings.TrimSpace(description) == "" {
		return marker
	}
	return description + "\n\n" + marker
}

// ResolveSessionID returns the session id carried by provider metadata or,
// failing that, by the description marker.
func ResolveSessionID(event Event) string {
	if event.SessionID != "" {
		return event.SessionID
	}
	return ParseSessionMarker(event.Description)
}
