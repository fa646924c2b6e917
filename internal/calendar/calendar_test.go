package calendar

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCall(t *testing.T) {
	t.Parallel()

	t.Run("returns the result of a fast call", func(t *testing.T) {
		t.Parallel()

		got, err := Call(context.Background(), time.Second, func(ctx context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, got)
	})

	t.Run("reports an expired deadline as a retryable timeout", func(t *testing.T) {
		t.Parallel()

		_, err := Call(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, IsRetryable(err))
	})

	t.Run("does not start once the parent is cancelled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := Run(ctx, time.Second, func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("parent cancellation is not reported as timeout", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		err := Run(ctx, time.Second, func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	})
}

func TestNewProviderError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		sentinel  error
		retryable bool
	}{
		{status: http.StatusUnauthorized, sentinel: ErrUnauthorized},
		{status: http.StatusNotFound, sentinel: ErrNotFound},
		{status: http.StatusGone, sentinel: ErrNotFound},
		{status: http.StatusTooManyRequests, sentinel: ErrRateLimited, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
	}

	for _, tc := range tests {
		err := NewProviderError(ProviderGoogle, "list", tc.status, errors.New("boom"))
		if tc.sentinel != nil {
			assert.ErrorIs(t, err, tc.sentinel, "status %d", tc.status)
		}
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
		assert.Contains(t, err.Error(), "google list")
	}
}

func TestSessionMarker(t *testing.T) {
	t.Parallel()

	desc := WithSessionMarker("Weekly coaching", "sess-42")
	assert.Equal(t, "sess-42", ParseSessionMarker(desc))
	assert.Equal(t, desc, WithSessionMarker(desc, "sess-42"), "marker must not be duplicated")
	assert.Equal(t, SessionMarker("abc"), WithSessionMarker("", "abc"))
	assert.Empty(t, ParseSessionMarker("Dentist appointment"))

	assert.Equal(t, "meta", ResolveSessionID(Event{SessionID: "meta", Description: SessionMarker("text")}))
	assert.Equal(t, "text", ResolveSessionID(Event{Description: SessionMarker("text")}))
}

func TestCredentialsNeedsRefresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	assert.False(t, Credentials{}.NeedsRefresh(now, time.Minute))
	assert.True(t, Credentials{Expiry: now.Add(30 * time.Second)}.NeedsRefresh(now, time.Minute))
	assert.False(t, Credentials{Expiry: now.Add(time.Hour)}.NeedsRefresh(now, time.Minute))
}

func TestParseProvider(t *testing.T) {
	t.Parallel()

	p, err := ParseProvider(" Google ")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, p)

	_, err = ParseProvider("yahoo")
	assert.Error(t, err)
}

func TestLimiterPool(t *testing.T) {
	t.Parallel()

	pool := NewLimiterPool(100, 0)
	a := pool.Get("integration-1")
	assert.Same(t, a, pool.Get("integration-1"))
	assert.NotSame(t, a, pool.Get("integration-2"))
	assert.Equal(t, 1, a.Burst())
}

type countingAdapter struct {
	lists int
}

func (c *countingAdapter) ListEvents(context.Context, Window) ([]Event, error) {
	c.lists++
	return nil, nil
}
func (c *countingAdapter) CreateEvent(_ context.Context, e Event) (Event, error) { return e, nil }
func (c *countingAdapter) UpdateEvent(_ context.Context, e Event) (Event, error) { return e, nil }
func (c *countingAdapter) DeleteEvent(context.Context, string) error            { return nil }
func (c *countingAdapter) RefreshToken(context.Context) (Credentials, error) {
	return Credentials{}, nil
}

func TestRateLimited(t *testing.T) {
	t.Parallel()

	inner := &countingAdapter{}
	limited := RateLimited(inner, rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := limited.ListEvents(context.Background(), Window{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.ListEvents(ctx, Window{})
	require.Error(t, err, "second call must wait for a token that never arrives in time")
	assert.Equal(t, 1, inner.lists)

	assert.Same(t, inner, RateLimited(inner, nil))
}

func TestInstrumented(t *testing.T) {
	t.Parallel()

	type call struct {
		provider  Provider
		operation string
		failed    bool
	}
	var calls []call
	observe := func(provider Provider, operation string, err error, elapsed time.Duration) {
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		calls = append(calls, call{provider: provider, operation: operation, failed: err != nil})
	}

	next := &countingAdapter{}
	adapter := Instrumented(next, ProviderMicrosoft, observe)
	_, err := adapter.ListEvents(context.Background(), Window{})
	require.NoError(t, err)
	_, err = adapter.CreateEvent(context.Background(), Event{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, adapter.DeleteEvent(context.Background(), "evt"))

	assert.Equal(t, 1, next.lists)
	assert.Equal(t, []call{
		{provider: ProviderMicrosoft, operation: "list"},
		{provider: ProviderMicrosoft, operation: "create"},
		{provider: ProviderMicrosoft, operation: "delete"},
	}, calls)

	assert.Same(t, next, Instrumented(next, ProviderGoogle, nil))
}
