package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/coaching-scheduler/internal/application"
)

type notificationService interface {
	Pending(ctx context.Context, principal application.Principal, kind application.NotificationType, lookAheadHours int) ([]application.Session, error)
	MarkSent(ctx context.Context, principal application.Principal, sessionID string, kind application.NotificationType) (application.Session, error)
}

// NotificationHandler serves the admin-only notification bookkeeping endpoints.
type NotificationHandler struct {
	service   notificationService
	responder responder
}

func NewNotificationHandler(service notificationService, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{service: service, responder: newResponder(logger)}
}

func (h *NotificationHandler) Pending(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	lookAhead := 0
	if v := query.Get("lookAheadHours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, fieldError("look_ahead_hours", "must be a whole number of hours"))
			return
		}
		lookAhead = hours
	}

	principal, _ := PrincipalFromContext(r.Context())
	sessions, err := h.service.Pending(r.Context(), principal, application.NotificationType(strings.TrimSpace(query.Get("type"))), lookAhead)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionsResponse{Sessions: toSessionDTOs(sessions)})
}

func (h *NotificationHandler) MarkSent(w http.ResponseWriter, r *http.Request) {
	var req markSentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.MarkSent(r.Context(), principal, r.PathValue("id"), application.NotificationType(strings.TrimSpace(req.Type)))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionResponse{Session: toSessionDTO(session)})
}

type markSentRequest struct {
	Type string `json:"type"`
}

type sessionsResponse struct {
	Sessions []sessionDTO `json:"sessions"`
}
