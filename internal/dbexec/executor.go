// Package dbexec provides database query execution abstractions.
// It supports direct execution, transactions and savepoint-delegated transactions.
package dbexec

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNoTransaction is returned when rolling back work executed without a transaction.
var ErrNoTransaction = errors.New("dbexec: statements were executed without a transaction")

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution so callers can run against a pool or a transaction.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxExecutor is a QueryExecutor bound to a transaction.
type TxExecutor interface {
	QueryExecutor
	Commit() error
	Rollback() error
}

// Beginner starts transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (TxExecutor, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

func (e *StandardExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a new transaction on the underlying pool.
func (e *StandardExecutor) BeginTx(ctx context.Context) (TxExecutor, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

// autocommitTx runs statements directly. Commit is a no-op and Rollback
// reports that nothing can be undone.
type autocommitTx struct {
	QueryExecutor
}

// NewAutocommit wraps an executor in the TxExecutor contract for storage that
// cannot run transactions.
func NewAutocommit(exec QueryExecutor) TxExecutor {
	return autocommitTx{QueryExecutor: exec}
}

func (autocommitTx) Commit() error {
	return nil
}

func (autocommitTx) Rollback() error {
	return ErrNoTransaction
}
