package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/calsync"
	"github.com/example/coaching-scheduler/internal/keylock"
	"github.com/example/coaching-scheduler/internal/observability"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// Sync log statuses.
const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// Sync types recorded on sync logs.
const (
	SyncTypeManual    = "manual"
	SyncTypeScheduled = "scheduled"
)

// MaxStoredSyncErrors caps the errors kept on an integration.
const MaxStoredSyncErrors = 20

// SyncStore is the storage the sync engine reads and writes.
type SyncStore interface {
	persistence.IntegrationRepository
	persistence.EventRepository
	persistence.SyncLogRepository
	SessionLister
}

// SyncConfig tunes sync runs.
type SyncConfig struct {
	// ProviderTimeout bounds every single adapter call.
	ProviderTimeout time.Duration
	// RunTimeout bounds asynchronous runs.
	RunTimeout time.Duration
	Lookback   time.Duration
	Lookahead  time.Duration
	// RefreshSkew refreshes tokens that expire within this margin.
	RefreshSkew time.Duration
	// Limiters rate-limits provider calls per integration when set.
	Limiters *calendar.LimiterPool
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.Lookback <= 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 60 * 24 * time.Hour
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = time.Minute
	}
	return c
}

// SyncRequest selects the integration and the scope of a run. The integration
// is chosen by id, or by provider among the caller's active integrations.
type SyncRequest struct {
	IntegrationID string
	Provider      string
	Direction     string
	Start         *time.Time
	End           *time.Time
	Type          string
}

// CalendarSyncService reconciles calendar integrations with their providers.
// At most one run per integration is in flight and token refreshes for one
// integration are shared between concurrent callers.
type CalendarSyncService struct {
	store       SyncStore
	providers   calendar.Factory
	locker      keylock.Locker
	authorizer  Authorizer
	cfg         SyncConfig
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer

	refreshes singleflight.Group
	running   sync.WaitGroup
}

// NewCalendarSyncService wires the sync engine.
func NewCalendarSyncService(store SyncStore, providers calendar.Factory, locker keylock.Locker, authorizer Authorizer, cfg SyncConfig, idGenerator func() string, now func() time.Time, logger *slog.Logger) *CalendarSyncService {
	if locker == nil {
		locker = keylock.NewLocal()
	}
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &CalendarSyncService{
		store:       store,
		providers:   providers,
		locker:      locker,
		authorizer:  authorizerOrDefault(authorizer),
		cfg:         cfg.withDefaults(),
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(logger),
		tracer:      observability.Tracer("coaching-scheduler/application"),
	}
}

type syncJob struct {
	integration persistence.CalendarIntegration
	direction   calsync.Direction
	window      calendar.Window
	syncType    string
}

// Sync runs one reconciliation and returns its log. Provider failures are
// reported through the log status, not the error.
func (s *CalendarSyncService) Sync(ctx context.Context, principal Principal, req SyncRequest) (persistence.SyncLog, error) {
	job, unlock, err := s.begin(ctx, principal, req)
	if err != nil {
		return persistence.SyncLog{}, err
	}
	defer unlock()
	return s.run(ctx, job), nil
}

// SyncAsync validates the request and claims the integration, then runs the
// reconciliation in the background on a context detached from ctx and bounded
// by the run timeout. It returns the integration id.
func (s *CalendarSyncService) SyncAsync(ctx context.Context, principal Principal, req SyncRequest) (string, error) {
	job, unlock, err := s.begin(ctx, principal, req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer cancel()
		defer unlock()
		s.run(runCtx, job)
	}()
	return job.integration.ID, nil
}

// Wait blocks until every background run has finished.
func (s *CalendarSyncService) Wait() {
	s.running.Wait()
}

func (s *CalendarSyncService) begin(ctx context.Context, principal Principal, req SyncRequest) (syncJob, func(), error) {
	if s == nil {
		return syncJob{}, nil, fmt.Errorf("CalendarSyncService is nil")
	}

	vErr := &ValidationError{}
	direction, err := calsync.ParseDirection(req.Direction)
	if err != nil {
		vErr.add("direction", "direction must be pull, push or bidirectional")
	}
	now := s.now()
	window := calendar.Window{Start: now.Add(-s.cfg.Lookback), End: now.Add(s.cfg.Lookahead)}
	if req.Start != nil {
		window.Start = *req.Start
	}
	if req.End != nil {
		window.End = *req.End
	}
	if !window.End.After(window.Start) {
		vErr.add("end_date", "end date must be after start date")
	}
	if vErr.HasErrors() {
		return syncJob{}, nil, vErr
	}

	integration, err := resolveIntegration(ctx, s.store, principal, req.IntegrationID, req.Provider)
	if err != nil {
		return syncJob{}, nil, err
	}
	if err := s.authorizer.Authorize(principal, CapabilityManageCalendar, UserResource(integration.UserID)); err != nil {
		return syncJob{}, nil, err
	}
	if !integration.IsActive {
		return syncJob{}, nil, conflict(ReasonInvalidState, "integration %s is inactive; reconnect the calendar", integration.ID)
	}

	unlock, ok, err := s.locker.TryLock(ctx, integrationKey(integration.ID))
	if err != nil {
		return syncJob{}, nil, fmt.Errorf("acquire integration lock: %w", err)
	}
	if !ok {
		return syncJob{}, nil, conflict(ReasonSyncInProgress, "a sync for integration %s is already running", integration.ID)
	}

	syncType := req.Type
	if syncType == "" {
		syncType = SyncTypeManual
	}
	return syncJob{integration: integration, direction: direction, window: window, syncType: syncType}, unlock, nil
}

// FetchEvents reads live events of an active integration, refreshing its
// token when needed.
func (s *CalendarSyncService) FetchEvents(ctx context.Context, integration persistence.CalendarIntegration, window calendar.Window) ([]calendar.Event, error) {
	adapter, _, err := s.open(ctx, integration)
	if err != nil {
		return nil, err
	}
	return calendar.Call(ctx, s.cfg.ProviderTimeout, func(ctx context.Context) ([]calendar.Event, error) {
		return adapter.ListEvents(ctx, window)
	})
}

const opRefreshToken = "refresh_token"

// tokenRefreshError marks a provider refresh failure already recorded on the
// integration.
type tokenRefreshError struct {
	err error
}

func (e *tokenRefreshError) Error() string { return e.err.Error() }

func (e *tokenRefreshError) Unwrap() error { return e.err }

type runResult struct {
	log persistence.SyncLog
}

func (r *runResult) fail(err error, operation string, at time.Time) {
	r.log.Status = SyncStatusFailed
	r.log.Errors = append(r.log.Errors, syncError(err, operation, "", "", at))
}

func (s *CalendarSyncService) run(ctx context.Context, job syncJob) persistence.SyncLog {
	integration := job.integration
	ctx, span := s.tracer.Start(ctx, "CalendarSyncService.run", trace.WithAttributes(
		attribute.String("integration.id", integration.ID),
		attribute.String("integration.provider", integration.Provider),
		attribute.String("sync.direction", string(job.direction)),
	))
	defer span.End()

	logger := serviceLogger(ctx, s.logger, "CalendarSyncService", "Sync",
		"integration_id", integration.ID, "provider", integration.Provider, "direction", string(job.direction))

	started := s.now()
	result := &runResult{log: persistence.SyncLog{
		ID:            s.idGenerator(),
		IntegrationID: integration.ID,
		SyncType:      job.syncType,
		Direction:     string(job.direction),
		Status:        SyncStatusSuccess,
		StartedAt:     started,
	}}

	s.reconcile(ctx, job, result, logger)

	completed := s.now()
	result.log.CompletedAt = completed
	result.log.Duration = completed.Sub(started)

	// Bookkeeping must land even when the run was cancelled.
	storeCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendSyncLog(storeCtx, result.log); err != nil {
		logger.ErrorContext(ctx, "failed to store sync log", "error", err)
	}
	s.recordOutcome(storeCtx, integration.ID, result.log, logger)

	observability.RecordSyncRun(integration.Provider, string(job.direction), result.log.Status,
		result.log.EventsCreated, result.log.EventsUpdated, result.log.EventsDeleted, result.log.Duration)
	span.SetAttributes(
		attribute.String("sync.status", result.log.Status),
		attribute.Int("sync.processed", result.log.EventsProcessed),
	)
	if result.log.Status != SyncStatusSuccess {
		span.SetStatus(codes.Error, result.log.Status)
	}

	for _, e := range result.log.Errors {
		logger.WarnContext(ctx, "sync event failed",
			"operation", e.Operation,
			"provider_event_id", e.ProviderEventID,
			"session_id", e.SessionID,
			"retryable", e.Retryable,
			"error", e.Message,
		)
	}
	logger.InfoContext(ctx, "sync finished",
		"status", result.log.Status,
		"processed", result.log.EventsProcessed,
		"created", result.log.EventsCreated,
		"updated", result.log.EventsUpdated,
		"deleted", result.log.EventsDeleted,
		"duration", result.log.Duration,
	)
	return result.log
}

func (s *CalendarSyncService) reconcile(ctx context.Context, job syncJob, result *runResult, logger *slog.Logger) {
	adapter, integration, err := s.open(ctx, job.integration)
	if err != nil {
		operation := "open"
		var refreshErr *tokenRefreshError
		if errors.As(err, &refreshErr) {
			operation = opRefreshToken
		}
		result.fail(err, operation, s.now())
		return
	}

	remote, err := calendar.Call(ctx, s.cfg.ProviderTimeout, func(ctx context.Context) ([]calendar.Event, error) {
		return adapter.ListEvents(ctx, job.window)
	})
	if err != nil {
		result.fail(err, "list", s.now())
		return
	}

	storeCtx := context.WithoutCancel(ctx)
	local, err := s.store.ListEvents(storeCtx, persistence.EventFilter{IntegrationIDs: []string{integration.ID}})
	if err != nil {
		result.fail(err, "load_mirrors", s.now())
		return
	}
	sessions, err := s.ownerSessions(storeCtx, integration.UserID, job.window, remote, local)
	if err != nil {
		result.fail(err, "load_sessions", s.now())
		return
	}

	plan := calsync.Build(calsync.Input{
		Direction: job.direction,
		Window:    job.window,
		Remote:    remote,
		Local:     local,
		Sessions:  sessions,
	})
	result.log.EventsProcessed = plan.Processed
	logger.DebugContext(ctx, "sync plan built", "actions", len(plan.Actions), "processed", plan.Processed)

	for _, action := range plan.Actions {
		if err := s.apply(ctx, adapter, integration.ID, action); err != nil {
			providerEventID := action.Event.ProviderEventID
			if providerEventID == "" && action.Local != nil {
				providerEventID = action.Local.ProviderEventID
			}
			result.log.Errors = append(result.log.Errors, syncError(err, string(action.Kind), providerEventID, action.SessionID, s.now()))
			result.log.Status = SyncStatusPartial
			continue
		}
		switch {
		case action.Kind.Creates():
			result.log.EventsCreated++
		case action.Kind.Updates():
			result.log.EventsUpdated++
		case action.Kind.Deletes():
			result.log.EventsDeleted++
		}
	}
}

// ownerSessions loads the sessions of the integration owner inside the window
// plus any session linked from a remote event or mirror.
func (s *CalendarSyncService) ownerSessions(ctx context.Context, userID string, window calendar.Window, remote []calendar.Event, local []persistence.CalendarEvent) ([]persistence.Session, error) {
	start, end := window.Start, window.End
	sessions, err := s.store.ListSessions(ctx, persistence.SessionFilter{
		ParticipantIDs: []string{userID},
		EndsAfter:      &start,
		StartsBefore:   &end,
	})
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		loaded[session.ID] = struct{}{}
	}

	var linked []string
	for _, event := range remote {
		if id := calendar.ResolveSessionID(event); id != "" {
			linked = append(linked, id)
		}
	}
	for _, event := range local {
		if event.SessionID != nil {
			linked = append(linked, *event.SessionID)
		}
	}
	var missing []string
	for _, id := range uniqueStrings(linked) {
		if _, ok := loaded[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return sessions, nil
	}
	extra, err := s.store.ListSessions(ctx, persistence.SessionFilter{IDs: missing, ParticipantIDs: []string{userID}})
	if err != nil {
		return nil, err
	}
	return append(sessions, extra...), nil
}

// apply executes one plan action. Remote calls honour ctx; local writes
// complete even when ctx is cancelled so mirrors match what the provider holds.
func (s *CalendarSyncService) apply(ctx context.Context, adapter calendar.Adapter, integrationID string, action calsync.Action) error {
	storeCtx := context.WithoutCancel(ctx)
	now := s.now()

	switch action.Kind {
	case calsync.ImportRemote:
		mirror := calsync.Mirror(integrationID, action.Event)
		mirror.ID = s.idGenerator()
		mirror.CreatedAt = now
		mirror.UpdatedAt = now
		return s.store.CreateEvent(storeCtx, mirror)

	case calsync.RefreshLocal:
		return s.store.UpdateEvent(storeCtx, refreshed(*action.Local, integrationID, action.Event, action.SessionID, now))

	case calsync.DropLocal:
		return s.store.DeleteEvent(storeCtx, action.Local.ID)

	case calsync.PushCreate:
		created, err := calendar.Call(ctx, s.cfg.ProviderTimeout, func(ctx context.Context) (calendar.Event, error) {
			return adapter.CreateEvent(ctx, action.Event)
		})
		if err != nil {
			return err
		}
		return s.saveMirror(storeCtx, integrationID, action.Local, created, action.SessionID, now)

	case calsync.PushUpdate:
		updated, err := calendar.Call(ctx, s.cfg.ProviderTimeout, func(ctx context.Context) (calendar.Event, error) {
			return adapter.UpdateEvent(ctx, action.Event)
		})
		if err != nil {
			return err
		}
		return s.saveMirror(storeCtx, integrationID, action.Local, updated, action.SessionID, now)

	case calsync.PushDelete:
		err := calendar.Run(ctx, s.cfg.ProviderTimeout, func(ctx context.Context) error {
			return adapter.DeleteEvent(ctx, action.Event.ProviderEventID)
		})
		if err != nil && !errors.Is(err, calendar.ErrNotFound) {
			return err
		}
		if action.Local == nil {
			return nil
		}
		return s.store.DeleteEvent(storeCtx, action.Local.ID)

	default:
		return fmt.Errorf("unknown sync action %q", action.Kind)
	}
}

func (s *CalendarSyncService) saveMirror(ctx context.Context, integrationID string, local *persistence.CalendarEvent, remote calendar.Event, sessionID string, now time.Time) error {
	if local != nil {
		return s.store.UpdateEvent(ctx, refreshed(*local, integrationID, remote, sessionID, now))
	}
	mirror := calsync.Mirror(integrationID, remote)
	linkSession(&mirror, sessionID)
	mirror.ID = s.idGenerator()
	mirror.CreatedAt = now
	mirror.UpdatedAt = now
	return s.store.CreateEvent(ctx, mirror)
}

func refreshed(local persistence.CalendarEvent, integrationID string, remote calendar.Event, sessionID string, now time.Time) persistence.CalendarEvent {
	next := calsync.Mirror(integrationID, remote)
	linkSession(&next, sessionID)
	next.ID = local.ID
	next.CreatedAt = local.CreatedAt
	next.UpdatedAt = now
	return next
}

func linkSession(event *persistence.CalendarEvent, sessionID string) {
	if sessionID == "" || event.SessionID != nil {
		return
	}
	event.SessionID = &sessionID
	event.IsCoachingSession = true
	event.IsBlocked = false
}

// open returns an adapter for the integration, refreshing its token first
// when it is about to expire.
func (s *CalendarSyncService) open(ctx context.Context, integration persistence.CalendarIntegration) (calendar.Adapter, persistence.CalendarIntegration, error) {
	if s.providers == nil {
		return nil, integration, calendar.ErrUnknownProvider
	}
	if toCalendarCredentials(integration.Credentials).NeedsRefresh(s.now(), s.cfg.RefreshSkew) {
		refreshedIntegration, err := s.refresh(ctx, integration)
		if err != nil {
			return nil, integration, err
		}
		integration = refreshedIntegration
	}

	adapter, err := s.providers.Open(ctx, connection(integration))
	if err != nil {
		return nil, integration, err
	}
	adapter = calendar.Instrumented(adapter, calendar.Provider(integration.Provider), recordProviderCall)
	if s.cfg.Limiters != nil {
		adapter = calendar.RateLimited(adapter, s.cfg.Limiters.Get(integration.ID))
	}
	return adapter, integration, nil
}

func recordProviderCall(provider calendar.Provider, operation string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.RecordProviderCall(string(provider), operation, outcome, elapsed)
}

// refresh exchanges the refresh token once per integration no matter how
// many callers ask concurrently. Rejected refreshes deactivate the integration.
func (s *CalendarSyncService) refresh(ctx context.Context, integration persistence.CalendarIntegration) (persistence.CalendarIntegration, error) {
	value, err, _ := s.refreshes.Do(integration.ID, func() (any, error) {
		refreshCtx := context.WithoutCancel(ctx)
		current, err := s.store.GetIntegration(refreshCtx, integration.ID)
		if err != nil {
			return persistence.CalendarIntegration{}, err
		}
		if !toCalendarCredentials(current.Credentials).NeedsRefresh(s.now(), s.cfg.RefreshSkew) {
			return current, nil
		}

		adapter, err := s.providers.Open(refreshCtx, connection(current))
		if err != nil {
			return persistence.CalendarIntegration{}, err
		}
		creds, err := calendar.Call(refreshCtx, s.cfg.ProviderTimeout, func(ctx context.Context) (calendar.Credentials, error) {
			return adapter.RefreshToken(ctx)
		})
		logger := serviceLogger(ctx, s.logger, "CalendarSyncService", "RefreshToken",
			"integration_id", current.ID, "provider", current.Provider)

		// The provider call can outlast a disconnect or reconnect; only the
		// integration that was refreshed may take the result.
		latest, loadErr := s.store.GetIntegration(refreshCtx, current.ID)
		if loadErr != nil {
			return persistence.CalendarIntegration{}, fmt.Errorf("reload integration after refresh: %w", loadErr)
		}
		if !latest.IsActive || latest.Credentials.RefreshToken != current.Credentials.RefreshToken {
			logger.WarnContext(ctx, "integration changed during token refresh; discarding result", "active", latest.IsActive)
			return persistence.CalendarIntegration{}, fmt.Errorf("%w: integration %s changed during token refresh", ErrInvalidState, current.ID)
		}

		if err != nil {
			observability.RecordTokenRefresh(latest.Provider, "failed")
			if !calendar.IsRetryable(err) {
				latest.IsActive = false
				logger.WarnContext(ctx, "token refresh rejected; deactivating integration", "error", err)
			} else {
				logger.WarnContext(ctx, "token refresh failed", "error", err)
			}
			latest.SyncErrors = appendSyncErrors(latest.SyncErrors, syncError(err, opRefreshToken, "", "", s.now()))
			latest.UpdatedAt = s.now()
			if updateErr := s.store.UpdateIntegration(refreshCtx, latest); updateErr != nil {
				logger.ErrorContext(ctx, "failed to store refresh failure", "error", updateErr)
			}
			return persistence.CalendarIntegration{}, &tokenRefreshError{err: err}
		}

		observability.RecordTokenRefresh(latest.Provider, "success")
		latest.Credentials = fromCalendarCredentials(creds)
		latest.UpdatedAt = s.now()
		if err := s.store.UpdateIntegration(refreshCtx, latest); err != nil {
			return persistence.CalendarIntegration{}, fmt.Errorf("store refreshed credentials: %w", err)
		}
		logger.InfoContext(ctx, "token refreshed", "expiry", creds.Expiry)
		return latest, nil
	})
	if err != nil {
		return persistence.CalendarIntegration{}, err
	}
	return value.(persistence.CalendarIntegration), nil
}

func (s *CalendarSyncService) recordOutcome(ctx context.Context, integrationID string, log persistence.SyncLog, logger *slog.Logger) {
	current, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to reload integration after sync", "error", err)
		return
	}
	completed := log.CompletedAt
	current.LastSyncAt = &completed
	if log.Status == SyncStatusSuccess {
		current.SyncErrors = nil
	} else {
		current.SyncErrors = appendSyncErrors(current.SyncErrors, unrecordedErrors(log.Errors)...)
	}
	current.UpdatedAt = completed
	if err := s.store.UpdateIntegration(ctx, current); err != nil {
		logger.ErrorContext(ctx, "failed to update integration after sync", "error", err)
	}
}

// unrecordedErrors drops refresh failures, which refresh stores on the
// integration itself.
func unrecordedErrors(errs []persistence.SyncError) []persistence.SyncError {
	out := make([]persistence.SyncError, 0, len(errs))
	for _, e := range errs {
		if e.Operation != opRefreshToken {
			out = append(out, e)
		}
	}
	return out
}

func appendSyncErrors(existing []persistence.SyncError, more ...persistence.SyncError) []persistence.SyncError {
	out := append(append([]persistence.SyncError(nil), existing...), more...)
	if len(out) > MaxStoredSyncErrors {
		out = out[len(out)-MaxStoredSyncErrors:]
	}
	return out
}

func syncError(err error, operation, providerEventID, sessionID string, at time.Time) persistence.SyncError {
	return persistence.SyncError{
		ProviderEventID: providerEventID,
		SessionID:       sessionID,
		Operation:       operation,
		Message:         err.Error(),
		Retryable:       calendar.IsRetryable(err) || errors.Is(err, context.Canceled),
		OccurredAt:      at,
	}
}

func connection(integration persistence.CalendarIntegration) calendar.Connection {
	return calendar.Connection{
		IntegrationID: integration.ID,
		Provider:      calendar.Provider(integration.Provider),
		Credentials:   toCalendarCredentials(integration.Credentials),
		CalendarID:    integration.CalendarID,
		CalendarName:  integration.CalendarName,
	}
}

func toCalendarCredentials(c persistence.Credentials) calendar.Credentials {
	return calendar.Credentials{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
		Username:     c.Username,
		Password:     c.Password,
	}
}

func fromCalendarCredentials(c calendar.Credentials) persistence.Credentials {
	return persistence.Credentials{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
		Username:     c.Username,
		Password:     c.Password,
	}
}

func integrationKey(id string) string {
	return "integration:" + id
}
