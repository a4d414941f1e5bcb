// Package introspection reads table metadata (columns, primary keys, unique
// indexes and foreign keys) from MySQL/TiDB, PostgreSQL and SQLite catalogs.
package introspection

import (
	"context"
	"database/sql"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTableNotFound is returned by GetTable when the catalog has no such table.
var ErrTableNotFound = errors.New("table not found")

// Column represents a database column
type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	IsPrimaryKey bool
}

// Index represents a database index with ordered columns. Columns holds only
// plain column keys; Expression is set when some key is an expression.
type Index struct {
	Name       string
	Unique     bool
	Type       string
	Columns    []string
	Partial    bool // the index has a WHERE predicate
	Expression bool
}

// ForeignKey represents one column of a foreign key constraint.
type ForeignKey struct {
	ColumnName       string // e.g., "user_id"
	ReferencedTable  string // e.g., "user"
	ReferencedColumn string // e.g., "id"; empty when the catalog omits an implicit primary key target
	ConstraintName   string // e.g., "enrolment_user_fk"
	OrdinalPosition  int    // Column position within the FK constraint
}

// Table describes a base table. PrimaryKey lists the key columns in key order.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// HasColumn reports whether the table has a column with the given name.
func (t Table) HasColumn(name string) bool {
	for _, col := range t.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// Introspector supplies table metadata. Implementations read the catalog on
// every call; callers own any caching.
type Introspector interface {
	ListTables(ctx context.Context) ([]string, error)
	GetTable(ctx context.Context, name string) (*Table, error)
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// markPrimaryKey flags primary key columns on the table's column list.
func markPrimaryKey(table *Table) {
	for i := range table.Columns {
		table.Columns[i].IsPrimaryKey = false
		for _, pk := range table.PrimaryKey {
			if table.Columns[i].Name == pk {
				table.Columns[i].IsPrimaryKey = true
				break
			}
		}
	}
}

// queryStrings runs a single-column query and returns its values.
func queryStrings(ctx context.Context, db Queryer, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("merge2users/introspection")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
