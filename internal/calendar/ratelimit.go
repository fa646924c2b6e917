package calendar

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool hands out one token bucket per key.
type LimiterPool struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiterPool creates a pool allowing rps calls per second per key.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if burst < 1 {
		burst = 1
	}
	return &LimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// Get returns the limiter for key, creating it on first use.
func (p *LimiterPool) Get(key string) *rate.Limiter {
	p.mu.RLock()
	limiter, ok := p.limiters[key]
	p.mu.RUnlock()
	if ok {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok = p.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(p.rate, p.burst)
	p.limiters[key] = limiter
	return limiter
}

// RateLimited wraps an adapter so every call first waits for a token.
func RateLimited(adapter Adapter, limiter *rate.Limiter) Adapter {
	if limiter == nil {
		return adapter
	}
	return &rateLimitedAdapter{next: adapter, limiter: limiter}
}

type rateLimitedAdapter struct {
	next    Adapter
	limiter *rate.Limiter
}

func (a *rateLimitedAdapter) ListEvents(ctx context.Context, window Window) ([]Event, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.next.ListEvents(ctx, window)
}

func (a *rateLimitedAdapter) CreateEvent(ctx context.Context, event Event) (Event, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Event{}, err
	}
	return a.next.CreateEvent(ctx, event)
}

func (a *rateLimitedAdapter) UpdateEvent(ctx context.Context, event Event) (Event, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Event{}, err
	}
	return a.next.UpdateEvent(ctx, event)
}

func (a *rateLimitedAdapter) DeleteEvent(ctx context.Context, providerEventID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.next.DeleteEvent(ctx, providerEventID)
}

func (a *rateLimitedAdapter) RefreshToken(ctx context.Context) (Credentials, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Credentials{}, err
	}
	return a.next.RefreshToken(ctx)
}
