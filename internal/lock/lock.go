// Package lock serializes saga steps per order.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrLockHeld = errors.New("lock is held by another operation")

// Locker acquires an exclusive lock on key. Calling release more than once
// is a no-op.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// KeyedLocker is an in-process Locker for single-instance deployments and
// tests.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]chan struct{})}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, held := l.locks[key]
		if !held {
			ch = make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
		case <-ch:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			ch := l.locks[key]
			delete(l.locks, key)
			l.mu.Unlock()
			close(ch)
		})
	}, nil
}
