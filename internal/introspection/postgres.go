package introspection

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Postgres introspects a PostgreSQL schema through information_schema and pg_catalog.
type Postgres struct {
	db     Queryer
	schema string
}

// NewPostgres creates an introspector for one PostgreSQL schema; an empty name means "public".
func NewPostgres(db Queryer, schema string) *Postgres {
	if schema == "" {
		schema = "public"
	}
	return &Postgres{db: db, schema: schema}
}

// ListTables returns base table names ordered by name.
func (p *Postgres) ListTables(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.list_tables",
		attribute.String("db.system", "postgresql"),
		attribute.String("db.schema", p.schema),
	)
	defer span.End()

	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	tables, err := queryStrings(ctx, p.db, query, p.schema)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// GetTable reads columns, primary key, foreign keys and indexes of one table.
func (p *Postgres) GetTable(ctx context.Context, name string) (*Table, error) {
	ctx, span := startSpan(ctx, "introspection.get_table",
		attribute.String("db.system", "postgresql"),
		attribute.String("db.schema", p.schema),
		attribute.String("db.table", name),
	)
	defer span.End()

	columns, err := p.getColumns(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get columns for %s: %w", name, err)
	}
	if len(columns) == 0 {
		recordSpanError(span, ErrTableNotFound)
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}

	primaryKey, err := queryStrings(ctx, p.db, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		  AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, p.schema, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get primary key for table %s: %w", name, err)
	}

	foreignKeys, err := p.getForeignKeys(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", name, err)
	}

	indexes, err := p.getIndexes(ctx, name)
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

func (p *Postgres) getColumns(ctx context.Context, tableName string) ([]Column, error) {
	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		  AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := p.db.QueryContext(ctx, query, p.schema, tableName)
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

// getForeignKeys unnests conkey/confkey pairwise so composite keys keep their positional mapping.
func (p *Postgres) getForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	query := `
		SELECT
			a.attname,
			rt.relname,
			ra.attname,
			c.conname,
			k.ord
		FROM pg_constraint c
		JOIN pg_class t ON t.oid = c.conrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_class rt ON rt.oid = c.confrelid
		CROSS JOIN LATERAL unnest(c.conkey, c.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
		JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute ra ON ra.attrelid = c.confrelid AND ra.attnum = k.refattnum
		WHERE c.contype = 'f'
		  AND n.nspname = $1
		  AND t.relname = $2
		ORDER BY c.conname, k.ord`

	rows, err := p.db.QueryContext(ctx, query, p.schema, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &fk.ReferencedColumn,
			&fk.ConstraintName, &fk.OrdinalPosition); err != nil {
			return nil, err
		}
		foreignKeys = append(foreignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return foreignKeys, nil
}

func (p *Postgres) getIndexes(ctx context.Context, tableName string) ([]Index, error) {
	query := `
		SELECT
			i.relname AS index_name,
			ix.indisunique AS is_unique,
			am.amname AS index_type,
			ix.indpred IS NOT NULL AS is_partial,
			(ix.indexprs IS NOT NULL) AS has_expressions,
			a.attname AS column_name
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_am am ON am.oid = i.relam
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1
		  AND t.relname = $2
		  AND NOT ix.indisprimary
		ORDER BY i.relname, array_position(ix.indkey, a.attnum)`

	rows, err := p.db.QueryContext(ctx, query, p.schema, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	indexByName := make(map[string]*Index)
	for rows.Next() {
		var indexName, indexType, columnName string
		var unique, partial, expressions bool
		if err := rows.Scan(&indexName, &unique, &indexType, &partial, &expressions, &columnName); err != nil {
			return nil, err
		}
		index, ok := indexByName[indexName]
		if !ok {
			index = &Index{
				Name:       indexName,
				Unique:     unique,
				Type:       strings.ToUpper(indexType),
				Partial:    partial,
				Expression: expressions,
			}
			indexByName[indexName] = index
		}
		index.Columns = append(index.Columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedIndexes(indexByName), nil
}
