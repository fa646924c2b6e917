package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Call runs one provider operation under its own deadline. It refuses to start
// once ctx is done, so a cancelled sync issues no further remote calls, and
// reports an expired deadline as ErrTimeout so callers can retry later.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := fn(callCtx)
	if err == nil {
		return result, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	}
	return zero, err
}

// Run is Call for operations without a result.
func Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
