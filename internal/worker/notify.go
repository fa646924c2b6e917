package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/coaching-scheduler/internal/application"
)

// Notifier delivers one notification about a session.
type Notifier interface {
	Notify(ctx context.Context, kind application.NotificationType, session application.Session) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, kind application.NotificationType, session application.Session) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, kind application.NotificationType, session application.Session) error {
	return f(ctx, kind, session)
}

// LogNotifier writes each notification as a structured log line. It stands in
// for a mail or push gateway.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, kind application.NotificationType, session application.Session) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification dispatched",
		"type", string(kind),
		"session_id", session.ID,
		"coach_id", session.CoachID,
		"client_id", session.ClientID,
		"scheduled_start", session.ScheduledStart,
	)
	return nil
}

// NotificationSweep summarises one notification pass.
type NotificationSweep struct {
	Pending map[application.NotificationType]int
	Sent    map[application.NotificationType]int
	Failed  int
}

var sweepOrder = []application.NotificationType{
	application.NotificationCancellation,
	application.NotificationConfirmation,
	application.NotificationReminder,
}

// SendNotifications delivers every pending notification and marks it sent.
// A failed delivery leaves the flag unset so the next sweep retries it.
func (w *Worker) SendNotifications(ctx context.Context) (NotificationSweep, error) {
	sweep := NotificationSweep{
		Pending: make(map[application.NotificationType]int, len(sweepOrder)),
		Sent:    make(map[application.NotificationType]int, len(sweepOrder)),
	}

	var errs []error
	for _, kind := range sweepOrder {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		sent, pending, failed, err := w.sendKind(ctx, kind, 0)
		sweep.Pending[kind] = pending
		sweep.Sent[kind] = sent
		sweep.Failed += failed
		if err != nil {
			errs = append(errs, err)
		}
	}

	w.logger.InfoContext(ctx, "notification sweep finished",
		"confirmations", sweep.Sent[application.NotificationConfirmation],
		"reminders", sweep.Sent[application.NotificationReminder],
		"cancellations", sweep.Sent[application.NotificationCancellation],
		"failed", sweep.Failed,
	)
	return sweep, errors.Join(errs...)
}

// SendKind delivers pending notifications of one type. lookAheadHours only
// applies to reminders; zero uses the configured value.
func (w *Worker) SendKind(ctx context.Context, kind application.NotificationType, lookAheadHours int) (sent int, err error) {
	sent, _, _, err = w.sendKind(ctx, kind, lookAheadHours)
	return sent, err
}

func (w *Worker) sendKind(ctx context.Context, kind application.NotificationType, lookAheadHours int) (sent, pending, failed int, err error) {
	if kind == application.NotificationReminder && lookAheadHours == 0 {
		lookAheadHours = w.cfg.ReminderLookAheadHours
	}
	sessions, err := w.notices.Pending(ctx, application.SystemPrincipal, kind, lookAheadHours)
	if err != nil {
		w.logger.ErrorContext(ctx, "could not list pending notifications", "type", string(kind), "error", err)
		return 0, 0, 0, err
	}

	for _, session := range sessions {
		if ctx.Err() != nil {
			break
		}
		logger := w.logger.With("type", string(kind), "session_id", session.ID)
		if err := w.notifier.Notify(ctx, kind, session); err != nil {
			failed++
			logger.WarnContext(ctx, "notification delivery failed", "error", err)
			continue
		}
		if _, err := w.notices.MarkSent(ctx, application.SystemPrincipal, session.ID, kind); err != nil {
			failed++
			logger.WarnContext(ctx, "could not mark notification sent",
				"error", err, "error_kind", application.ErrorKind(err))
			continue
		}
		sent++
	}
	return sent, len(sessions), failed, nil
}
