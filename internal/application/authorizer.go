package application

import "slices"

// Capability names an action a principal may perform on a resource.
type Capability string

const (
	CapabilityViewSession      Capability = "session:view"
	CapabilityManageSession    Capability = "session:manage"
	CapabilityConductSession   Capability = "session:conduct"
	CapabilityCreateSession    Capability = "session:create"
	CapabilityViewStats        Capability = "stats:view"
	CapabilityManageNotices    Capability = "notifications:manage"
	CapabilityManageCalendar   Capability = "calendar:manage"
	CapabilityViewCalendarData Capability = "calendar:view"
)

// Resource describes the target of a capability check.
type Resource struct {
	// OwnerIDs are the users with a direct stake in the resource, such as a
	// session's coach and client or an integration's owner.
	OwnerIDs []string
	// CoachID is set for session resources.
	CoachID string
}

// SessionResource describes a session for capability checks.
func SessionResource(coachID, clientID string) Resource {
	return Resource{OwnerIDs: []string{coachID, clientID}, CoachID: coachID}
}

// UserResource describes data owned by a single user.
func UserResource(userID string) Resource {
	return Resource{OwnerIDs: []string{userID}}
}

// Authorizer decides whether a principal may exercise a capability.
type Authorizer interface {
	Authorize(principal Principal, capability Capability, resource Resource) error
}

// RoleAuthorizer implements the default platform rules. Admins pass every
// check; everyone else is limited to resources they own, and only a session's
// coach may conduct it.
type RoleAuthorizer struct{}

// Authorize implements Authorizer.
func (RoleAuthorizer) Authorize(principal Principal, capability Capability, resource Resource) error {
	if principal.UserID == "" {
		return ErrUnauthorized
	}
	if principal.IsAdmin() {
		return nil
	}

	owner := slices.Contains(resource.OwnerIDs, principal.UserID)
	switch capability {
	case CapabilityViewSession, CapabilityManageSession:
		if owner {
			return nil
		}
	case CapabilityConductSession, CapabilityCreateSession:
		if principal.Role == RoleCoach && resource.CoachID == principal.UserID {
			return nil
		}
	case CapabilityViewStats, CapabilityManageCalendar, CapabilityViewCalendarData:
		if owner {
			return nil
		}
	case CapabilityManageNotices:
	}
	return ErrUnauthorized
}

func authorizerOrDefault(a Authorizer) Authorizer {
	if a == nil {
		return RoleAuthorizer{}
	}
	return a
}
