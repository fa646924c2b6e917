package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/coaching-scheduler/internal/application"
)

type sessionService interface {
	CreateSession(ctx context.Context, principal application.Principal, input application.CreateSessionInput) (application.Session, error)
	GetSession(ctx context.Context, principal application.Principal, id string) (application.Session, error)
	Cancel(ctx context.Context, principal application.Principal, input application.CancelInput) (application.Session, error)
	Reschedule(ctx context.Context, principal application.Principal, input application.RescheduleInput) (application.Session, error)
	Start(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
	Complete(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
	MarkNoShow(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
	AvailableSlots(ctx context.Context, principal application.Principal, input application.AvailableSlotsInput) ([]application.Slot, error)
}

// SessionHandler serves the session lifecycle endpoints.
type SessionHandler struct {
	service   sessionService
	responder responder
}

func NewSessionHandler(service sessionService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{service: service, responder: newResponder(logger)}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	input := application.CreateSessionInput{
		CoachID:         strings.TrimSpace(req.CoachID),
		ClientID:        strings.TrimSpace(req.ClientID),
		DurationMinutes: req.DurationMinutes,
		Timezone:        strings.TrimSpace(req.Timezone),
	}
	if req.Start != "" {
		start, err := parseTime(req.Start, time.UTC)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, fieldError("start", "must be an RFC3339 timestamp"))
			return
		}
		input.Start = start
	}

	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.CreateSession(r.Context(), principal, input)
	h.renderSession(r.Context(), w, session, err, http.StatusCreated)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.GetSession(r.Context(), principal, r.PathValue("id"))
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.Cancel(r.Context(), principal, application.CancelInput{
		SessionID:  r.PathValue("id"),
		Reason:     application.CancellationReason(strings.TrimSpace(req.Reason)),
		ReasonText: req.ReasonText,
	})
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	input := application.RescheduleInput{
		SessionID: r.PathValue("id"),
		Reason:    req.Reason,
	}
	if req.NewDate != "" {
		newStart, err := parseTime(req.NewDate, time.UTC)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, fieldError("new_date", "must be an RFC3339 timestamp"))
			return
		}
		input.NewStart = newStart
	}

	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.Reschedule(r.Context(), principal, input)
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.Start(r.Context(), principal, r.PathValue("id"))
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.Complete(r.Context(), principal, r.PathValue("id"))
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.MarkNoShow(r.Context(), principal, r.PathValue("id"))
	h.renderSession(r.Context(), w, session, err, http.StatusOK)
}

func (h *SessionHandler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	timezone := strings.TrimSpace(query.Get("timezone"))
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}

	input := application.AvailableSlotsInput{
		SessionID: r.PathValue("id"),
		Timezone:  timezone,
	}
	fields := &fieldErrors{}
	if v := query.Get("fromDate"); v != "" {
		from, err := parseTime(v, loc)
		fields.check(err, "from_date", "must be an RFC3339 timestamp or a date")
		input.From = from
	}
	if v := query.Get("toDate"); v != "" {
		to, err := parseTime(v, loc)
		fields.check(err, "to_date", "must be an RFC3339 timestamp or a date")
		input.To = to
	}
	if v := query.Get("duration"); v != "" {
		minutes, err := strconv.Atoi(v)
		fields.check(err, "duration", "must be a whole number of minutes")
		input.DurationMinutes = minutes
	}
	if v := query.Get("enumerate"); v != "" {
		enumerate, err := strconv.ParseBool(v)
		fields.check(err, "enumerate", "must be true or false")
		input.Enumerate = &enumerate
	}
	if err := fields.err(); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	slots, err := h.service.AvailableSlots(r.Context(), principal, input)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]slotDTO, 0, len(slots))
	for _, slot := range slots {
		out = append(out, slotDTO{Start: slot.Start.In(loc).Format(time.RFC3339), End: slot.End.In(loc).Format(time.RFC3339)})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, slotsResponse{Slots: out})
}

func (h *SessionHandler) renderSession(ctx context.Context, w http.ResponseWriter, session application.Session, err error, status int) {
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.responder.writeJSON(ctx, w, status, sessionResponse{Session: toSessionDTO(session)})
}

type createSessionRequest struct {
	CoachID         string `json:"coachId"`
	ClientID        string `json:"clientId"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"durationMinutes"`
	Timezone        string `json:"timezone"`
}

type cancelRequest struct {
	Reason     string `json:"reason"`
	ReasonText string `json:"reasonText"`
}

type rescheduleRequest struct {
	NewDate string `json:"newDate"`
	Reason  string `json:"reason"`
}

type sessionResponse struct {
	Session sessionDTO `json:"session"`
}

type slotsResponse struct {
	Slots []slotDTO `json:"slots"`
}

type slotDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type sessionDTO struct {
	ID                  string               `json:"id"`
	CoachID             string               `json:"coachId"`
	ClientID            string               `json:"clientId"`
	ScheduledStart      string               `json:"scheduledStart"`
	ScheduledEnd        string               `json:"scheduledEnd"`
	Timezone            string               `json:"timezone"`
	DurationMinutes     int                  `json:"durationMinutes"`
	Status              string               `json:"status"`
	CancellationInfo    *cancellationInfoDTO `json:"cancellationInfo,omitempty"`
	ReschedulingHistory []rescheduleDTO      `json:"reschedulingHistory"`
	NotificationFlags   notificationFlagsDTO `json:"notificationFlags"`
	Version             int64                `json:"version"`
	CreatedAt           string               `json:"createdAt"`
	UpdatedAt           string               `json:"updatedAt"`
	History             []lifecycleEventDTO  `json:"history"`
}

type cancellationInfoDTO struct {
	Reason      string `json:"reason"`
	ReasonText  string `json:"reasonText,omitempty"`
	CancelledBy string `json:"cancelledBy"`
	CancelledAt string `json:"cancelledAt"`
}

type rescheduleDTO struct {
	PreviousStart string `json:"previousStart"`
	PreviousEnd   string `json:"previousEnd"`
	NewStart      string `json:"newStart"`
	NewEnd        string `json:"newEnd"`
	Reason        string `json:"reason"`
	RescheduledBy string `json:"rescheduledBy"`
	RescheduledAt string `json:"rescheduledAt"`
}

type notificationFlagsDTO struct {
	ConfirmationSent bool `json:"confirmationSent"`
	ReminderSent     bool `json:"reminderSent"`
	CancellationSent bool `json:"cancellationSent"`
}

type lifecycleEventDTO struct {
	ID               string `json:"id"`
	Sequence         int64  `json:"sequence"`
	Kind             string `json:"kind"`
	ActorID          string `json:"actorId"`
	OccurredAt       string `json:"occurredAt"`
	Reason           string `json:"reason,omitempty"`
	ReasonText       string `json:"reasonText,omitempty"`
	PreviousStart    string `json:"previousStart,omitempty"`
	NewStart         string `json:"newStart,omitempty"`
	FromStatus       string `json:"fromStatus,omitempty"`
	ToStatus         string `json:"toStatus,omitempty"`
	NotificationType string `json:"notificationType,omitempty"`
}

func toSessionDTO(session application.Session) sessionDTO {
	dto := sessionDTO{
		ID:                  session.ID,
		CoachID:             session.CoachID,
		ClientID:            session.ClientID,
		ScheduledStart:      formatTime(session.ScheduledStart),
		ScheduledEnd:        formatTime(session.ScheduledEnd),
		Timezone:            session.Timezone,
		DurationMinutes:     session.DurationMinutes,
		Status:              string(session.Status),
		ReschedulingHistory: make([]rescheduleDTO, 0, len(session.Rescheduling)),
		NotificationFlags: notificationFlagsDTO{
			ConfirmationSent: session.Notifications.ConfirmationSent,
			ReminderSent:     session.Notifications.ReminderSent,
			CancellationSent: session.Notifications.CancellationSent,
		},
		Version:   session.Version,
		CreatedAt: formatTime(session.CreatedAt),
		UpdatedAt: formatTime(session.UpdatedAt),
		History:   make([]lifecycleEventDTO, 0, len(session.History)),
	}
	if info := session.Cancellation; info != nil {
		dto.CancellationInfo = &cancellationInfoDTO{
			Reason:      string(info.Reason),
			ReasonText:  info.ReasonText,
			CancelledBy: info.CancelledBy,
			CancelledAt: formatTime(info.CancelledAt),
		}
	}
	for _, entry := range session.Rescheduling {
		dto.ReschedulingHistory = append(dto.ReschedulingHistory, rescheduleDTO{
			PreviousStart: formatTime(entry.PreviousStart),
			PreviousEnd:   formatTime(entry.PreviousEnd),
			NewStart:      formatTime(entry.NewStart),
			NewEnd:        formatTime(entry.NewEnd),
			Reason:        entry.Reason,
			RescheduledBy: entry.RescheduledBy,
			RescheduledAt: formatTime(entry.RescheduledAt),
		})
	}
	for _, event := range session.History {
		dto.History = append(dto.History, toLifecycleEventDTO(event))
	}
	return dto
}

func toLifecycleEventDTO(event application.LifecycleEvent) lifecycleEventDTO {
	header := event.Header()
	dto := lifecycleEventDTO{
		ID:         header.ID,
		Sequence:   header.Sequence,
		Kind:       event.Kind(),
		ActorID:    header.ActorID,
		OccurredAt: formatTime(header.OccurredAt),
	}
	switch e := event.(type) {
	case application.Cancelled:
		dto.Reason = string(e.Reason)
		dto.ReasonText = e.ReasonText
	case application.Rescheduled:
		dto.Reason = e.Reason
		dto.PreviousStart = formatTime(e.PreviousStart)
		dto.NewStart = formatTime(e.NewStart)
	case application.StatusChanged:
		dto.FromStatus = string(e.From)
		dto.ToStatus = string(e.To)
	case application.NotificationMarked:
		dto.NotificationType = string(e.Type)
	}
	return dto
}

func toSessionDTOs(sessions []application.Session) []sessionDTO {
	out := make([]sessionDTO, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionDTO(session))
	}
	return out
}

// fieldErrors collects query parameter parse failures into one validation error.
type fieldErrors struct {
	fields map[string]string
}

func (f *fieldErrors) check(err error, field, message string) {
	if err == nil {
		return
	}
	if f.fields == nil {
		f.fields = make(map[string]string)
	}
	f.fields[field] = message
}

func (f *fieldErrors) err() error {
	if len(f.fields) == 0 {
		return nil
	}
	return &application.ValidationError{FieldErrors: f.fields}
}

func fieldError(field, message string) error {
	return &application.ValidationError{FieldErrors: map[string]string{field: message}}
}
