package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// LOCKER - Key-scoped exclusive locks
// =============================================================================

// Locker serializes writers on a named resource. Lock blocks until the lock
// is held, the implementation's bounded wait expires (ErrLockTimeout) or ctx
// is done. The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// KeyedMutex is the in-process Locker. Each name gets a one-slot semaphore
// that is dropped again once nobody holds or waits for it.
type KeyedMutex struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex creates a locker whose Lock gives up after wait.
// A zero wait blocks until ctx is done.
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	return &KeyedMutex{wait: wait, locks: make(map[string]*keyedLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, name string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &keyedLock{slot: make(chan struct{}, 1)}
		m.locks[name] = l
	}
	l.refs++
	m.mu.Unlock()

	var timeout <-chan time.Time
	if m.wait > 0 {
		t := time.NewTimer(m.wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case l.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.slot
				m.drop(name, l)
			})
		}, nil
	case <-timeout:
		m.drop(name, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.drop(name, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) drop(name string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, name)
	}
}

// lockKeys takes the locks of all keys in a fixed (sorted) order so that two
// writers with overlapping key sets cannot deadlock.
func lockKeys(ctx context.Context, locker Locker, keys []Key) (func(), error) {
	names := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		n := k.lockName()
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)

	unlocks := make([]func(), 0, len(names))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, n := range names {
		unlock, err := locker.Lock(ctx, n)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
