package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// SQLite introspects a SQLite database through its pragma table functions.
type SQLite struct {
	db Queryer
}

// NewSQLite creates an introspector for the main SQLite database.
func NewSQLite(db Queryer) *SQLite {
	return &SQLite{db: db}
}

// ListTables returns user table names ordered by name.
func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.list_tables",
		attribute.String("db.system", "sqlite"),
	)
	defer span.End()

	tables, err := queryStrings(ctx, s.db, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// GetTable reads columns, primary key, foreign keys and indexes of one table.
func (s *SQLite) GetTable(ctx context.Context, name string) (*Table, error) {
	ctx, span := startSpan(ctx, "introspection.get_table",
		attribute.String("db.system", "sqlite"),
		attribute.String("db.table", name),
	)
	defer span.End()

	table, err := s.getColumns(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get columns for %s: %w", name, err)
	}
	if len(table.Columns) == 0 {
		recordSpanError(span, ErrTableNotFound)
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}

	if table.ForeignKeys, err = s.getForeignKeys(ctx, name); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", name, err)
	}

	if table.Indexes, err = s.getIndexes(ctx, name); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get indexes for table %s: %w", name, err)
	}

	markPrimaryKey(table)
	return table, nil
}

func (s *SQLite) getColumns(ctx context.Context, tableName string) (*Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, "notnull", pk
		FROM pragma_table_info(?)
		ORDER BY cid`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	table := &Table{Name: tableName}
	pkPositions := make(map[string]int)
	for rows.Next() {
		var col Column
		var notNull, pk int
		if err := rows.Scan(&col.Name, &col.DataType, &notNull, &pk); err != nil {
			return nil, err
		}
		col.IsNullable = notNull == 0
		if pk > 0 {
			pkPositions[col.Name] = pk
			table.PrimaryKey = append(table.PrimaryKey, col.Name)
		}
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(table.PrimaryKey, func(i, j int) bool {
		return pkPositions[table.PrimaryKey[i]] < pkPositions[table.PrimaryKey[j]]
	})
	return table, nil
}

func (s *SQLite) getForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, "table", "from", "to"
		FROM pragma_foreign_key_list(?)
		ORDER BY id, seq`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var id, seq int
		var fk ForeignKey
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &fk.ReferencedTable, &fk.ColumnName, &to); err != nil {
			return nil, err
		}
		fk.ReferencedColumn = to.String
		fk.ConstraintName = fmt.Sprintf("%s_fk_%d", tableName, id)
		fk.OrdinalPosition = seq + 1
		foreignKeys = append(foreignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return foreignKeys, nil
}

func (s *SQLite) getIndexes(ctx context.Context, tableName string) ([]Index, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, "unique", partial
		FROM pragma_index_list(?)
		ORDER BY name`, tableName)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	for rows.Next() {
		var idx Index
		var unique, partial int
		if err := rows.Scan(&idx.Name, &unique, &partial); err != nil {
			_ = rows.Close()
			return nil, err
		}
		idx.Unique = unique == 1
		idx.Partial = partial == 1
		idx.Type = "BTREE"
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Column lookups run after the list cursor is closed so a single connection pool works.
	for i := range indexes {
		if err := s.loadIndexColumns(ctx, &indexes[i]); err != nil {
			return nil, err
		}
	}
	return indexes, nil
}

// loadIndexColumns reads the index keys. Expression keys have a NULL name.
func (s *SQLite) loadIndexColumns(ctx context.Context, idx *Index) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name
		FROM pragma_index_info(?)
		ORDER BY seqno`, idx.Name)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if !name.Valid {
			idx.Expression = true
			continue
		}
		idx.Columns = append(idx.Columns, name.String)
	}
	return rows.Err()
}
