package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// MySQL introspects MySQL and TiDB through INFORMATION_SCHEMA.
type MySQL struct {
	db           Queryer
	databaseName string
}

// NewMySQL creates an introspector for the given database (schema) name.
func NewMySQL(db Queryer, databaseName string) *MySQL {
	return &MySQL{db: db, databaseName: databaseName}
}

// ListTables returns base table names ordered by name.
func (m *MySQL) ListTables(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.list_tables",
		attribute.String("db.system", "mysql"),
		attribute.String("db.name", m.databaseName),
	)
	defer span.End()

	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
		AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	tables, err := queryStrings(ctx, m.db, query, m.databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// GetTable reads columns, primary key, foreign keys and indexes of one table.
func (m *MySQL) GetTable(ctx context.Context, name string) (*Table, error) {
	ctx, span := startSpan(ctx, "introspection.get_table",
		attribute.String("db.system", "mysql"),
		attribute.String("db.name", m.databaseName),
		attribute.String("db.table", name),
	)
	defer span.End()

	columns, err := m.getColumns(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get columns for %s: %w", name, err)
	}
	if len(columns) == 0 {
		recordSpanError(span, ErrTableNotFound)
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}

	primaryKey, err := m.getPrimaryKey(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get primary key for table %s: %w", name, err)
	}

	foreignKeys, err := m.getForeignKeys(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", name, err)
	}

	indexes, err := m.getIndexes(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get indexes for table %s: %w", name, err)
	}

	table := &Table{
		Name:        name,
		Columns:     columns,
		PrimaryKey:  primaryKey,
		Indexes:     indexes,
		ForeignKeys: foreignKeys,
	}
	markPrimaryKey(table)
	return table, nil
}

func (m *MySQL) getColumns(ctx context.Context, tableName string) ([]Column, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`

	rows, err := m.db.QueryContext(ctx, query, m.databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable); err != nil {
			return nil, err
		}
		col.IsNullable = strings.EqualFold(nullable, "YES")
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}

func (m *MySQL) getPrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	query := `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`
	return queryStrings(ctx, m.db, query, m.databaseName, tableName)
}

func (m *MySQL) getForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	query := `
		SELECT
			COLUMN_NAME,
			REFERENCED_TABLE_NAME,
			REFERENCED_COLUMN_NAME,
			CONSTRAINT_NAME,
			ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
			AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION
	`

	rows, err := m.db.QueryContext(ctx, query, m.databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable,
			&fk.ReferencedColumn, &fk.ConstraintName, &fk.OrdinalPosition); err != nil {
			return nil, err
		}
		foreignKeys = append(foreignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return foreignKeys, nil
}

func (m *MySQL) getIndexes(ctx context.Context, tableName string) ([]Index, error) {
	query := `
		SELECT
			INDEX_NAME,
			NON_UNIQUE,
			COLUMN_NAME,
			INDEX_TYPE
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX
	`

	rows, err := m.db.QueryContext(ctx, query, m.databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	indexByName := make(map[string]*Index)
	for rows.Next() {
		var indexName, indexType string
		var columnName sql.NullString // NULL for functional key parts
		var nonUnique int
		if err := rows.Scan(&indexName, &nonUnique, &columnName, &indexType); err != nil {
			return nil, err
		}

		index, ok := indexByName[indexName]
		if !ok {
			index = &Index{
				Name:   indexName,
				Unique: nonUnique == 0,
				Type:   strings.ToUpper(strings.TrimSpace(indexType)),
			}
			indexByName[indexName] = index
		}
		if !columnName.Valid {
			index.Expression = true
			continue
		}
		index.Columns = append(index.Columns, columnName.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sortedIndexes(indexByName), nil
}

func sortedIndexes(indexByName map[string]*Index) []Index {
	indexes := make([]Index, 0, len(indexByName))
	for _, index := range indexByName {
		indexes = append(indexes, *index)
	}
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].Name < indexes[j].Name
	})
	return indexes
}
