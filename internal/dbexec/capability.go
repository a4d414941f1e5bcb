package dbexec

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/C4ne/merge2users/internal/sqlutil"
)

// nonTransactionalEngines lists MySQL storage engines that ignore ROLLBACK.
var nonTransactionalEngines = []string{"MyISAM", "MEMORY", "ARCHIVE", "CSV", "MRG_MYISAM", "BLACKHOLE", "FEDERATED"}

// SupportsTransactions reports whether every base table in the database can
// take part in a transaction. PostgreSQL and SQLite always can; MySQL depends
// on each table's storage engine.
func SupportsTransactions(ctx context.Context, q QueryExecutor, dialect sqlutil.Dialect, database string) (bool, error) {
	if dialect.Name() != sqlutil.MySQL.Name() {
		return true, nil
	}

	query, args, err := sq.Select("COUNT(*)").
		From("INFORMATION_SCHEMA.TABLES").
		Where(sq.Eq{
			"TABLE_SCHEMA": database,
			"TABLE_TYPE":   "BASE TABLE",
			"ENGINE":       nonTransactionalEngines,
		}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return false, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to inspect table engines: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, err
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return count == 0, nil
}

// RecordExists reports whether at least one row of table matches where.
func RecordExists(ctx context.Context, q QueryExecutor, dialect sqlutil.Dialect, table string, where sq.Sqlizer) (bool, error) {
	builder := sq.Select("1").
		From(dialect.QuoteIdentifier(table)).
		Limit(1).
		PlaceholderFormat(dialect.Placeholder())
	if where != nil {
		builder = builder.Where(where)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return false, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return exists, nil
}
