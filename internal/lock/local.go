package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker keyed by name. It only excludes runs that
// share the same Local value.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

// Acquire waits for key to become free, up to timeout.
func (l *Local) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			return &localLock{owner: l, key: key, done: done}, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return nil, ErrUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type localLock struct {
	owner *Local
	key   string
	done  chan struct{}
	once  sync.Once
}

func (l *localLock) Key() string { return l.key }

func (l *localLock) Release(context.Context) error {
	err := ErrNotHeld
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		if l.owner.held[l.key] == l.done {
			delete(l.owner.held, l.key)
		}
		close(l.done)
		err = nil
	})
	return err
}
