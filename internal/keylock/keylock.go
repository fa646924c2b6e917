// Package keylock provides mutual exclusion keyed by an identifier, such as a
// session id or a calendar integration id.
package keylock

import (
	"context"
	"sync"
)

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Lock blocks until the key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// TryLock acquires the key only if it is free right now.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Local is an in-process Locker. Entries are dropped when no goroutine holds
// or waits for them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case e.slot <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	e := l.acquire(key)
	select {
	case e.slot <- struct{}{}:
		return l.unlocker(key, e), true, nil
	default:
		l.release(key, e)
		return nil, false, nil
	}
}

// Len reports how many keys are currently tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(key, e)
		})
	}
}
