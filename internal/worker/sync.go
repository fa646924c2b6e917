package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// backoffHistory is how many recent logs are inspected to count consecutive failures.
const backoffHistory = 16

// SyncSweep summarises one pass over the active integrations.
type SyncSweep struct {
	Candidates int
	Succeeded  int
	Partial    int
	Failed     int
	// BackedOff counts integrations skipped while waiting out a retry delay.
	BackedOff int
	// Busy counts integrations that already had a run in flight.
	Busy int
}

// SyncAll runs a scheduled sync for every active, sync-enabled integration
// with at most Config.Concurrency runs at a time.
func (w *Worker) SyncAll(ctx context.Context) (SyncSweep, error) {
	integrations, err := w.source.ListIntegrations(ctx, persistence.IntegrationFilter{ActiveOnly: true, SyncEnabledOnly: true})
	if err != nil {
		w.logger.ErrorContext(ctx, "sync sweep could not list integrations", "error", err)
		return SyncSweep{}, err
	}

	var succeeded, partial, failed, backedOff, busy atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, integration := range integrations {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			logger := w.logger.With("integration_id", integration.ID, "provider", integration.Provider)

			due, next, err := w.due(gctx, integration.ID)
			if err != nil {
				logger.WarnContext(gctx, "could not read sync history", "error", err)
			}
			if !due {
				backedOff.Add(1)
				logger.DebugContext(gctx, "sync backing off", "next_attempt", next)
				return nil
			}

			log, err := w.syncer.Sync(gctx, application.SystemPrincipal, application.SyncRequest{
				IntegrationID: integration.ID,
				Type:          application.SyncTypeScheduled,
			})
			var conflict *application.ConflictError
			switch {
			case errors.As(err, &conflict) && conflict.Reason == application.ReasonSyncInProgress:
				busy.Add(1)
			case err != nil:
				failed.Add(1)
				logger.WarnContext(gctx, "scheduled sync rejected", "error", err, "error_kind", application.ErrorKind(err))
			case log.Status == application.SyncStatusSuccess:
				succeeded.Add(1)
			case log.Status == application.SyncStatusPartial:
				partial.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	sweep := SyncSweep{
		Candidates: len(integrations),
		Succeeded:  int(succeeded.Load()),
		Partial:    int(partial.Load()),
		Failed:     int(failed.Load()),
		BackedOff:  int(backedOff.Load()),
		Busy:       int(busy.Load()),
	}
	w.logger.InfoContext(ctx, "sync sweep finished",
		"candidates", sweep.Candidates,
		"succeeded", sweep.Succeeded,
		"partial", sweep.Partial,
		"failed", sweep.Failed,
		"backed_off", sweep.BackedOff,
		"busy", sweep.Busy,
	)
	return sweep, ctx.Err()
}

// due reports whether the integration may run now. When history cannot be
// read the run goes ahead.
func (w *Worker) due(ctx context.Context, integrationID string) (bool, time.Time, error) {
	logs, err := w.source.ListSyncLogs(ctx, integrationID, backoffHistory)
	if err != nil {
		return true, time.Time{}, err
	}
	next, waiting := NextAttempt(logs, w.cfg.BackoffBase, w.cfg.BackoffMax)
	if !waiting || !w.now().Before(next) {
		return true, time.Time{}, nil
	}
	return false, next, nil
}

// NextAttempt returns when an integration may be retried after its latest
// run. logs are newest first. Only an unbroken run of retryable failures at
// the head of the history delays the next attempt, by base*2^(n-1) capped at
// max.
func NextAttempt(logs []persistence.SyncLog, base, max time.Duration) (time.Time, bool) {
	failures := 0
	for _, log := range logs {
		if !retryableFailure(log) {
			break
		}
		failures++
	}
	if failures == 0 {
		return time.Time{}, false
	}
	return logs[0].CompletedAt.Add(Backoff(failures, base, max)), true
}

// Backoff is base*2^(failures-1), capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func retryableFailure(log persistence.SyncLog) bool {
	if log.Status != application.SyncStatusFailed {
		return false
	}
	for _, e := range log.Errors {
		if e.Retryable {
			return true
		}
	}
	return false
}
