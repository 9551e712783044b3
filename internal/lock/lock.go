// Package lock serializes work per conversation.
package lock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotAcquired is returned when a lock could not be taken in time.
	ErrNotAcquired = eris.New("lock: not acquired")
	// ErrNotHeld is returned when releasing a lock the caller no longer owns.
	ErrNotHeld = eris.New("lock: not held")
)

// Release gives up a held lock.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks by key.
type Locker interface {
	Lock(ctx context.Context, key string) (Release, error)
}

// Local is an in-process keyed mutex. Keys with no holders or waiters are
// dropped so the map does not grow without bound.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		err := ErrNotHeld
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
			err = nil
		})
		return err
	}, nil
}

func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
