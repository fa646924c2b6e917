package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/persistence"
)

type calendarService interface {
	AuthURL(ctx context.Context, principal application.Principal, provider string) (application.AuthURLResult, error)
	Connect(ctx context.Context, principal application.Principal, input application.ConnectInput) (application.Integration, error)
	Disconnect(ctx context.Context, principal application.Principal, provider string) error
	ListIntegrations(ctx context.Context, principal application.Principal, userID string) ([]application.Integration, error)
	ListEvents(ctx context.Context, principal application.Principal, q application.EventQuery) ([]persistence.CalendarEvent, error)
	ListSyncLogs(ctx context.Context, principal application.Principal, integrationID string, limit int) ([]persistence.SyncLog, error)
}

type syncTrigger interface {
	SyncAsync(ctx context.Context, principal application.Principal, req application.SyncRequest) (string, error)
}

// CalendarHandler serves integration management, sync triggers and mirror queries.
type CalendarHandler struct {
	service   calendarService
	sync      syncTrigger
	logger    *slog.Logger
	responder responder
}

func NewCalendarHandler(service calendarService, sync syncTrigger, logger *slog.Logger) *CalendarHandler {
	return &CalendarHandler{service: service, sync: sync, logger: defaultLogger(logger), responder: newResponder(logger)}
}

func (h *CalendarHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	result, err := h.service.AuthURL(r.Context(), principal, r.PathValue("provider"))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, authURLResponse{Provider: result.Provider, AuthURL: result.URL, State: result.State})
}

func (h *CalendarHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	integration, err := h.service.Connect(r.Context(), principal, application.ConnectInput{
		Provider:     strings.TrimSpace(req.Provider),
		Code:         req.Code,
		Username:     strings.TrimSpace(req.Username),
		Password:     req.Password,
		CalendarID:   strings.TrimSpace(req.CalendarID),
		CalendarName: strings.TrimSpace(req.CalendarName),
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, integrationResponse{Integration: toIntegrationDTO(integration)})
}

func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if err := h.service.Disconnect(r.Context(), principal, r.PathValue("provider")); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *CalendarHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	integrations, err := h.service.ListIntegrations(r.Context(), principal, strings.TrimSpace(r.URL.Query().Get("userId")))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]integrationDTO, 0, len(integrations))
	for _, integration := range integrations {
		out = append(out, toIntegrationDTO(integration))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, integrationsResponse{Integrations: out})
}

// Sync claims the integration and answers 202 while the run continues in the
// background; progress is visible through the sync logs.
func (h *CalendarHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	input := application.SyncRequest{
		IntegrationID: strings.TrimSpace(req.IntegrationID),
		Provider:      strings.TrimSpace(req.Provider),
		Direction:     strings.TrimSpace(req.Direction),
		Type:          application.SyncTypeManual,
	}
	fields := &fieldErrors{}
	if req.StartDate != "" {
		start, err := parseTime(req.StartDate, time.UTC)
		fields.check(err, "start_date", "must be an RFC3339 timestamp or a date")
		input.Start = &start
	}
	if req.EndDate != "" {
		end, err := parseTime(req.EndDate, time.UTC)
		fields.check(err, "end_date", "must be an RFC3339 timestamp or a date")
		input.End = &end
	}
	if err := fields.err(); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	integrationID, err := h.sync.SyncAsync(r.Context(), principal, input)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "CalendarHandler", "Sync", "integration_id", integrationID).
		InfoContext(r.Context(), "calendar sync accepted")
	h.responder.writeJSON(r.Context(), w, http.StatusAccepted, syncAcceptedResponse{IntegrationID: integrationID, Status: "accepted"})
}

func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := application.EventQuery{
		IntegrationID: strings.TrimSpace(query.Get("integrationId")),
		SyncStatus:    strings.TrimSpace(query.Get("syncStatus")),
	}
	fields := &fieldErrors{}
	if v := query.Get("from"); v != "" {
		from, err := parseTime(v, time.UTC)
		fields.check(err, "from", "must be an RFC3339 timestamp or a date")
		q.From = &from
	}
	if v := query.Get("to"); v != "" {
		to, err := parseTime(v, time.UTC)
		fields.check(err, "to", "must be an RFC3339 timestamp or a date")
		q.To = &to
	}
	if v := query.Get("coaching"); v != "" {
		coaching, err := strconv.ParseBool(v)
		fields.check(err, "coaching", "must be true or false")
		q.Coaching = &coaching
	}
	if v := query.Get("blocked"); v != "" {
		blocked, err := strconv.ParseBool(v)
		fields.check(err, "blocked", "must be true or false")
		q.Blocked = &blocked
	}
	if err := fields.err(); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	q.UserID = principal.UserID
	if v := strings.TrimSpace(query.Get("userId")); v != "" {
		q.UserID = v
	}

	events, err := h.service.ListEvents(r.Context(), principal, q)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]eventDTO, 0, len(events))
	for _, event := range events {
		out = append(out, toEventDTO(event))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, eventsResponse{Events: out})
}

func (h *CalendarHandler) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, fieldError("limit", "must be a whole number"))
			return
		}
		limit = parsed
	}

	principal, _ := PrincipalFromContext(r.Context())
	logs, err := h.service.ListSyncLogs(r.Context(), principal, strings.TrimSpace(query.Get("integrationId")), limit)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]syncLogDTO, 0, len(logs))
	for _, log := range logs {
		out = append(out, toSyncLogDTO(log))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, syncLogsResponse{Logs: out})
}

type connectRequest struct {
	Provider     string `json:"provider"`
	Code         string `json:"code"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	CalendarID   string `json:"calendarId"`
	CalendarName string `json:"calendarName"`
}

type syncRequest struct {
	IntegrationID string `json:"integrationId"`
	Provider      string `json:"provider"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	Direction     string `json:"direction"`
}

type authURLResponse struct {
	Provider string `json:"provider"`
	AuthURL  string `json:"auth_url"`
	State    string `json:"state"`
}

type syncAcceptedResponse struct {
	IntegrationID string `json:"integrationId"`
	Status        string `json:"status"`
}

type integrationResponse struct {
	Integration integrationDTO `json:"integration"`
}

type integrationsResponse struct {
	Integrations []integrationDTO `json:"integrations"`
}

type eventsResponse struct {
	Events []eventDTO `json:"events"`
}

type syncLogsResponse struct {
	Logs []syncLogDTO `json:"logs"`
}

type integrationDTO struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Provider     string         `json:"provider"`
	CalendarID   string         `json:"calendarId"`
	CalendarName string         `json:"calendarName,omitempty"`
	IsActive     bool           `json:"isActive"`
	SyncEnabled  bool           `json:"syncEnabled"`
	LastSyncAt   *string        `json:"lastSyncAt,omitempty"`
	SyncErrors   []syncErrorDTO `json:"syncErrors"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

type syncErrorDTO struct {
	ProviderEventID string `json:"providerEventId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Operation       string `json:"operation"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	OccurredAt      string `json:"occurredAt"`
}

type eventDTO struct {
	ID                string   `json:"id"`
	IntegrationID     string   `json:"calendarIntegrationId"`
	ProviderEventID   string   `json:"providerEventId"`
	Title             string   `json:"title,omitempty"`
	StartTime         string   `json:"startTime"`
	EndTime           string   `json:"endTime"`
	Timezone          string   `json:"timezone,omitempty"`
	IsAllDay          bool     `json:"isAllDay"`
	Location          string   `json:"location,omitempty"`
	RecurrenceRule    string   `json:"recurrenceRule,omitempty"`
	Status            string   `json:"status"`
	SessionID         *string  `json:"sessionId"`
	IsCoachingSession bool     `json:"isCoachingSession"`
	IsBlocked         bool     `json:"isBlocked"`
	SyncStatus        string   `json:"syncStatus"`
	SyncErrors        []string `json:"syncErrors"`
}

type syncLogDTO struct {
	ID              string         `json:"id"`
	IntegrationID   string         `json:"calendarIntegrationId"`
	SyncType        string         `json:"syncType"`
	Direction       string         `json:"direction"`
	Status          string         `json:"status"`
	EventsProcessed int            `json:"eventsProcessed"`
	EventsCreated   int            `json:"eventsCreated"`
	EventsUpdated   int            `json:"eventsUpdated"`
	EventsDeleted   int            `json:"eventsDeleted"`
	Errors          []syncErrorDTO `json:"errors"`
	StartedAt       string         `json:"startedAt"`
	CompletedAt     string         `json:"completedAt"`
	DurationMillis  int64          `json:"duration"`
}

func toIntegrationDTO(integration application.Integration) integrationDTO {
	return integrationDTO{
		ID:           integration.ID,
		UserID:       integration.UserID,
		Provider:     integration.Provider,
		CalendarID:   integration.CalendarID,
		CalendarName: integration.CalendarName,
		IsActive:     integration.IsActive,
		SyncEnabled:  integration.SyncEnabled,
		LastSyncAt:   formatTimePtr(integration.LastSyncAt),
		SyncErrors:   toSyncErrorDTOs(integration.SyncErrors),
		CreatedAt:    formatTime(integration.CreatedAt),
		UpdatedAt:    formatTime(integration.UpdatedAt),
	}
}

func toSyncErrorDTOs(errs []persistence.SyncError) []syncErrorDTO {
	out := make([]syncErrorDTO, 0, len(errs))
	for _, e := range errs {
		out = append(out, syncErrorDTO{
			ProviderEventID: e.ProviderEventID,
			SessionID:       e.SessionID,
			Operation:       e.Operation,
			Message:         e.Message,
			Retryable:       e.Retryable,
			OccurredAt:      formatTime(e.OccurredAt),
		})
	}
	return out
}

func toEventDTO(event persistence.CalendarEvent) eventDTO {
	syncErrors := event.SyncErrors
	if syncErrors == nil {
		syncErrors = []string{}
	}
	return eventDTO{
		ID:                event.ID,
		IntegrationID:     event.IntegrationID,
		ProviderEventID:   event.ProviderEventID,
		Title:             event.Title,
		StartTime:         formatTime(event.Start),
		EndTime:           formatTime(event.End),
		Timezone:          event.Timezone,
		IsAllDay:          event.IsAllDay,
		Location:          event.Location,
		RecurrenceRule:    event.RecurrenceRule,
		Status:            event.Status,
		SessionID:         event.SessionID,
		IsCoachingSession: event.IsCoachingSession,
		IsBlocked:         event.IsBlocked,
		SyncStatus:        event.SyncStatus,
		SyncErrors:        syncErrors,
	}
}

func toSyncLogDTO(log persistence.SyncLog) syncLogDTO {
	return syncLogDTO{
		ID:              log.ID,
		IntegrationID:   log.IntegrationID,
		SyncType:        log.SyncType,
		Direction:       log.Direction,
		Status:          log.Status,
		EventsProcessed: log.EventsProcessed,
		EventsCreated:   log.EventsCreated,
		EventsUpdated:   log.EventsUpdated,
		EventsDeleted:   log.EventsDeleted,
		Errors:          toSyncErrorDTOs(log.Errors),
		StartedAt:       formatTime(log.StartedAt),
		CompletedAt:     formatTime(log.CompletedAt),
		DurationMillis:  log.Duration.Milliseconds(),
	}
}
