package http

import (
	"log/slog"
	"net/http"
)

// RouterConfig carries the handlers mounted by NewRouter. Nil handlers leave
// their routes unregistered.
type RouterConfig struct {
	Sessions      *SessionHandler
	Notifications *NotificationHandler
	Stats         *StatsHandler
	Calendar      *CalendarHandler
	// Metrics serves GET /metrics when set.
	Metrics    http.Handler
	Logger     *slog.Logger
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	identity := RequireIdentity(cfg.Logger)
	protect := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, identity(handler))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		newResponder(cfg.Logger).writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if h := cfg.Sessions; h != nil {
		protect("POST /sessions", h.Create)
		protect("GET /sessions/{id}", h.Get)
		protect("POST /sessions/{id}/cancel", h.Cancel)
		protect("POST /sessions/{id}/reschedule", h.Reschedule)
		protect("POST /sessions/{id}/start", h.Start)
		protect("POST /sessions/{id}/complete", h.Complete)
		protect("POST /sessions/{id}/no-show", h.NoShow)
		protect("GET /sessions/{id}/available-slots", h.AvailableSlots)
	}

	if h := cfg.Notifications; h != nil {
		protect("GET /notifications/pending", h.Pending)
		protect("PUT /sessions/{id}/notification-sent", h.MarkSent)
	}

	if h := cfg.Stats; h != nil {
		protect("GET /cancellation-stats/{userId}", h.CancellationStats)
	}

	if h := cfg.Calendar; h != nil {
		protect("GET /calendar/auth/{provider}", h.AuthURL)
		protect("POST /calendar/connect", h.Connect)
		protect("DELETE /calendar/disconnect/{provider}", h.Disconnect)
		protect("GET /calendar/integrations", h.ListIntegrations)
		protect("POST /calendar/sync", h.Sync)
		protect("GET /calendar/events", h.ListEvents)
		protect("GET /calendar/sync-logs", h.ListSyncLogs)
	}

	handler := instrument(mux)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		if cfg.Middleware[i] != nil {
			handler = cfg.Middleware[i](handler)
		}
	}
	return handler
}
