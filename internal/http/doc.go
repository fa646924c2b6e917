// Package http exposes the coaching scheduler over JSON/HTTP.
//
// Identity comes from the upstream gateway through the X-User-ID and
// X-User-Role headers; requests without a user id receive 401. The router
// exposes:
//   - POST /sessions, GET /sessions/{id}: book a session and read it with its
//     lifecycle history.
//   - POST /sessions/{id}/cancel {reason, reasonText}, POST /sessions/{id}/reschedule
//     {newDate, reason}, POST /sessions/{id}/start|complete|no-show: lifecycle
//     transitions. Conflicts answer 409 with the blocking intervals.
//   - GET /sessions/{id}/available-slots?fromDate&toDate&duration&enumerate&timezone.
//   - GET /cancellation-stats/{userId}?role&months.
//   - GET /notifications/pending?type&lookAheadHours and
//     PUT /sessions/{id}/notification-sent {type}: admin only.
//   - GET /calendar/auth/{provider}, POST /calendar/connect,
//     DELETE /calendar/disconnect/{provider}, GET /calendar/integrations,
//     POST /calendar/sync (202), GET /calendar/events, GET /calendar/sync-logs.
//   - GET /healthz and GET /metrics.
//
// Errors share one body: {"error_code", "message", "errors", "intervals"}.
// Request/response DTOs live alongside their handlers.
package http
