package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		actor string
		want  string
	}{
		{name: "global", scope: ScopeGlobal, actor: "admin", want: "merge2users:merge_process:global"},
		{name: "actor", scope: ScopeActor, actor: "admin", want: "merge2users:merge_process:user:admin"},
		{name: "actor scope case insensitive", scope: "ACTOR", actor: "42", want: "merge2users:merge_process:user:42"},
		{name: "actor scope without actor", scope: ScopeActor, actor: "  ", want: "merge2users:merge_process:global"},
		{name: "empty scope", scope: "", actor: "admin", want: "merge2users:merge_process:global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.scope, tt.actor))
		})
	}
}

func TestPoll_TimesOut(t *testing.T) {
	calls := 0
	err := poll(context.Background(), 30*time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Greater(t, calls, 1)
}

func TestPoll_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := poll(context.Background(), time.Second, time.Millisecond, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPoll_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := poll(ctx, time.Second, time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
