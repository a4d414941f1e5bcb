// Package lock provides named mutual-exclusion locks that bound concurrent
// merge runs. Backends use database-native locks (advisory locks, or a lock
// table on SQLite), Redis or in-process state.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyPrefix namespaces every merge lock key.
const KeyPrefix = "merge2users:merge_process"

// Lock scopes.
const (
	ScopeGlobal = "global"
	ScopeActor  = "actor"
)

const defaultPollInterval = 100 * time.Millisecond

var (
	// ErrUnavailable is returned when a lock could not be acquired before the timeout.
	ErrUnavailable = errors.New("lock unavailable")
	// ErrNotHeld is returned when releasing a lock that is no longer owned.
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a held lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires named locks. Acquire blocks for at most timeout and returns
// ErrUnavailable if the lock is still held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error)
}

// Key builds the lock key for a scope. The actor scope falls back to the
// global key when no actor is known.
func Key(scope, actor string) string {
	actor = strings.TrimSpace(actor)
	if strings.EqualFold(scope, ScopeActor) && actor != "" {
		return fmt.Sprintf("%s:user:%s", KeyPrefix, actor)
	}
	return fmt.Sprintf("%s:%s", KeyPrefix, ScopeGlobal)
}

// poll calls try until it reports success, the timeout expires or ctx ends.
func poll(ctx context.Context, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrUnavailable
		case <-ticker.C:
		}
	}
}
