package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/coaching-scheduler/internal/application"
)

type statsService interface {
	CancellationStats(ctx context.Context, principal application.Principal, userID string, role string, months int) (application.CancellationStats, error)
}

// StatsHandler serves cancellation statistics.
type StatsHandler struct {
	service   statsService
	responder responder
}

func NewStatsHandler(service statsService, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{service: service, responder: newResponder(logger)}
}

func (h *StatsHandler) CancellationStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	months := 0
	if v := query.Get("months"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, fieldError("months", "must be a whole number"))
			return
		}
		months = parsed
	}

	principal, _ := PrincipalFromContext(r.Context())
	stats, err := h.service.CancellationStats(r.Context(), principal, r.PathValue("userId"), query.Get("role"), months)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toStatsDTO(stats))
}

type statsDTO struct {
	UserID              string            `json:"userId"`
	Role                string            `json:"role"`
	Months              int               `json:"months"`
	From                string            `json:"from"`
	To                  string            `json:"to"`
	TotalSessions       int               `json:"totalSessions"`
	Completed           int               `json:"completed"`
	NoShows             int               `json:"noShows"`
	Cancelled           int               `json:"cancelled"`
	Reschedules         int               `json:"reschedules"`
	RescheduledSessions int               `json:"rescheduledSessions"`
	CancellationRate    float64           `json:"cancellationRate"`
	RescheduleRate      float64           `json:"rescheduleRate"`
	NoShowRate          float64           `json:"noShowRate"`
	ByReason            map[string]int    `json:"byReason"`
	Monthly             []monthlyStatsDTO `json:"monthly"`
}

type monthlyStatsDTO struct {
	Month            string  `json:"month"`
	Sessions         int     `json:"sessions"`
	Cancelled        int     `json:"cancelled"`
	Reschedules      int     `json:"reschedules"`
	CancellationRate float64 `json:"cancellationRate"`
}

func toStatsDTO(stats application.CancellationStats) statsDTO {
	dto := statsDTO{
		UserID:              stats.UserID,
		Role:                string(stats.Role),
		Months:              stats.Months,
		From:                formatTime(stats.From),
		To:                  formatTime(stats.To),
		TotalSessions:       stats.TotalSessions,
		Completed:           stats.Completed,
		NoShows:             stats.NoShows,
		Cancelled:           stats.Cancelled,
		Reschedules:         stats.Reschedules,
		RescheduledSessions: stats.RescheduledSessions,
		CancellationRate:    stats.CancellationRate,
		RescheduleRate:      stats.RescheduleRate,
		NoShowRate:          stats.NoShowRate,
		ByReason:            make(map[string]int, len(stats.ByReason)),
		Monthly:             make([]monthlyStatsDTO, 0, len(stats.Monthly)),
	}
	for reason, count := range stats.ByReason {
		dto.ByReason[string(reason)] = count
	}
	for _, month := range stats.Monthly {
		dto.Monthly = append(dto.Monthly, monthlyStatsDTO{
			Month:            month.Month,
			Sessions:         month.Sessions,
			Cancelled:        month.Cancelled,
			Reschedules:      month.Reschedules,
			CancellationRate: month.CancellationRate,
		})
	}
	return dto
}
