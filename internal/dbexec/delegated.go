package dbexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type txContextKey struct{}

var savepointSeq atomic.Uint64

// WithTx stores an open transaction in the context so nested work can join it.
func WithTx(ctx context.Context, tx TxExecutor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the outer transaction stored by WithTx.
func TxFromContext(ctx context.Context) (TxExecutor, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(TxExecutor)
	return tx, ok && tx != nil
}

// BeginDelegated joins the outer transaction carried by ctx through a savepoint,
// or begins a new transaction on b when there is none. Committing a delegated
// transaction only releases the savepoint; the outer owner decides the final commit.
func BeginDelegated(ctx context.Context, b Beginner) (TxExecutor, error) {
	if outer, ok := TxFromContext(ctx); ok {
		name := fmt.Sprintf("merge2users_sp_%d", savepointSeq.Add(1))
		if _, err := outer.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return nil, fmt.Errorf("failed to create savepoint: %w", err)
		}
		return &savepointTx{
			QueryExecutor: outer,
			ctx:           context.WithoutCancel(ctx),
			name:          name,
		}, nil
	}
	if b == nil {
		return nil, errors.New("dbexec: no transaction source configured")
	}
	return b.BeginTx(ctx)
}

type savepointTx struct {
	QueryExecutor
	ctx  context.Context
	name string

	mu   sync.Mutex
	done bool
}

func (s *savepointTx) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("savepoint %s already finalized", s.name)
	}
	if _, err := s.ExecContext(s.ctx, "RELEASE SAVEPOINT "+s.name); err != nil {
		return err
	}
	s.done = true
	return nil
}

func (s *savepointTx) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if _, err := s.ExecContext(s.ctx, "ROLLBACK TO SAVEPOINT "+s.name); err != nil {
		return err
	}
	s.done = true
	return nil
}
