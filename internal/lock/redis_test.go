package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis emulates the two lock scripts against an in-memory map.
type fakeRedis struct {
	mu    sync.Mutex
	store map[string]string
	err   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{store: make(map[string]string)}
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := keys[0]
	token := args[0].(string)
	switch script {
	case acquireScript:
		if _, ok := f.store[key]; ok {
			return int64(0), nil
		}
		f.store[key] = token
		return int64(1), nil
	case releaseScript:
		if f.store[key] != token {
			return int64(0), nil
		}
		delete(f.store, key)
		return int64(1), nil
	}
	return nil, errors.New("unexpected script")
}

func TestRedis_Exclusion(t *testing.T) {
	client := newFakeRedis()
	locker := NewRedis(client, time.Minute)
	locker.pollInterval = 5 * time.Millisecond
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, first.Release(ctx))
	second, err := locker.Acquire(ctx, "k", 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestRedis_ReleaseOnlyByOwner(t *testing.T) {
	client := newFakeRedis()
	locker := NewRedis(client, time.Minute)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// Simulate expiry and takeover by another process.
	client.mu.Lock()
	client.store["k"] = "someone-else"
	client.mu.Unlock()

	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)
	assert.Equal(t, "someone-else", client.store["k"])
}

func TestRedis_EvalError(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")

	_, err := NewRedis(client, 0).Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotErrorIs(t, err, ErrUnavailable)
}
