package calendar

import (
	"context"
	"time"
)

// CallObserver receives the outcome of every adapter call.
type CallObserver func(provider Provider, operation string, err error, elapsed time.Duration)

// Instrumented wraps an adapter so every call is reported to observe.
func Instrumented(adapter Adapter, provider Provider, observe CallObserver) Adapter {
	if observe == nil {
		return adapter
	}
	return &instrumentedAdapter{next: adapter, provider: provider, observe: observe}
}

type instrumentedAdapter struct {
	next     Adapter
	provider Provider
	observe  CallObserver
}

func (a *instrumentedAdapter) done(operation string, start time.Time, err error) {
	a.observe(a.provider, operation, err, time.Since(start))
}

func (a *instrumentedAdapter) ListEvents(ctx context.Context, window Window) ([]Event, error) {
	start := time.Now()
	events, err := a.next.ListEvents(ctx, window)
	a.done("list", start, err)
	return events, err
}

func (a *instrumentedAdapter) CreateEvent(ctx context.Context, event Event) (Event, error) {
	start := time.Now()
	created, err := a.next.CreateEvent(ctx, event)
	a.done("create", start, err)
	return created, err
}

func (a *instrumentedAdapter) UpdateEvent(ctx context.Context, event Event) (Event, error) {
	start := time.Now()
	updated, err := a.next.UpdateEvent(ctx, event)
	a.done("update", start, err)
	return updated, err
}

func (a *instrumentedAdapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	start := time.Now()
	err := a.next.DeleteEvent(ctx, providerEventID)
	a.done("delete", start, err)
	return err
}

func (a *instrumentedAdapter) RefreshToken(ctx context.Context) (Credentials, error) {
	start := time.Now()
	creds, err := a.next.RefreshToken(ctx)
	a.done("refresh_token", start, err)
	return creds, err
}
