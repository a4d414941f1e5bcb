package merge

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Precondition errors. They are returned before any row is touched.
var (
	ErrSameEntity              = errors.New("base and merge entity must be different")
	ErrInvalidEntity           = errors.New("entity ids must be positive")
	ErrLockUnavailable         = errors.New("could not retrieve the lock, another merge process is probably running")
	ErrTransactionsUnsupported = errors.New("database does not support transactions")
	ErrEntityNotFound          = errors.New("entity does not exist")
)

// ErrNotApplicable is returned by a core handler that leaves its table to the generic tier.
var ErrNotApplicable = errors.New("handler not applicable")

// SchemaError reports metadata that cannot be used to plan a table.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error on table %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ExecutionError reports a planned statement that failed against storage.
type ExecutionError struct {
	Table string
	Tier  Tier
	SQL   string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("failed to merge table %s (%s tier): %v", e.Table, e.Tier, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExtensionError reports an extension that could not deliver its operations.
type ExtensionError struct {
	Extension string
	Err       error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("extension %s failed to deliver merge operations: %v", e.Extension, e.Err)
}

func (e *ExtensionError) Unwrap() error { return e.Err }

// CommitError reports a rejected commit. RollbackErr is set when the
// follow-up rollback failed as well.
type CommitError struct {
	Err         error
	RollbackErr error
}

func (e *CommitError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("the transaction could not be committed: %v (rollback: %v)", e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("the transaction could not be committed: %v", e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// InvariantError reports source data that breaks a unique constraint the
// resolver relies on: more than one row holds Identity in Column.
type InvariantError struct {
	Table    string
	Column   string
	Identity int64
	Rows     int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on table %s: %d rows hold %s = %d under a single-column unique constraint",
		e.Table, e.Rows, e.Column, e.Identity)
}

// IsDuplicateKey reports whether err is a unique constraint violation from
// MySQL/TiDB, PostgreSQL or SQLite.
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
