package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockContention is returned when a per-entity lock could not be taken
// before the timeout. It is transient: the job is retried.
var ErrLockContention = errors.New("entity lock contention")

// KeyedLocks is a table of mutexes keyed by entity id. Entries are removed
// when nobody holds or waits for them.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*keyLock)}
}

// WithLock runs fn while holding the lock for key. The lock is released on
// every exit path, including a panic in fn. If the lock is not acquired
// within timeout (0 waits for ctx only), ErrLockContention is returned and
// fn is not run.
func (k *KeyedLocks) WithLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	l := k.ref(key)
	defer k.unref(key, l)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.ch <- struct{}{}:
	case <-expired:
		return fmt.Errorf("lock %s: %w", key, ErrLockContention)
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w: %w", key, ErrLockContention, ctx.Err())
	}
	defer func() { <-l.ch }()

	return fn()
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedLocks) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedLocks) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
