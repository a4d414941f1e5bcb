package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

// RowKey is a primary key value tuple in primary key column order.
type RowKey []any

func (k RowKey) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x00")
}

// ConflictResolver finds rows that would break a unique constraint once the
// merge identity is rewritten to the base identity.
type ConflictResolver struct {
	dialect sqlutil.Dialect
	logger  *slog.Logger
}

// NewConflictResolver creates a resolver that emits SQL for dialect.
func NewConflictResolver(dialect sqlutil.Dialect, logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{dialect: dialect, logger: logger}
}

// ConflictingConstraints returns the unique constraints that contain at least
// one reference column.
func ConflictingConstraints(table introspection.Table, refCols []string) []introspection.UniqueConstraint {
	var result []introspection.UniqueConstraint
	for _, uc := range introspection.UniqueConstraints(table) {
		for _, col := range uc.Columns {
			if slices.Contains(refCols, col) {
				result = append(result, uc)
				break
			}
		}
	}
	return result
}

// FindConflicts returns the primary keys of merge-side rows that collide with
// a base-side row on some conflicting constraint. Keys are deduplicated and
// kept in discovery order. Base-side rows are never returned.
func (r *ConflictResolver) FindConflicts(ctx context.Context, q dbexec.QueryExecutor, table introspection.Table, refCols []string, baseID, mergeID int64) ([]RowKey, error) {
	constraints := ConflictingConstraints(table, refCols)
	if len(constraints) == 0 {
		return nil, nil
	}

	pk := introspection.PrimaryKeyColumns(table)
	if len(pk) == 0 {
		return nil, &SchemaError{Table: table.Name, Err: errors.New("unique constraints cover reference columns but the table has no primary key")}
	}

	var conflicts []RowKey
	seen := make(map[string]struct{})
	collect := func(keys []RowKey) {
		for _, key := range keys {
			id := key.String()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			conflicts = append(conflicts, key)
		}
	}

	for _, uc := range constraints {
		for _, refCol := range uc.Columns {
			if !slices.Contains(refCols, refCol) {
				continue
			}
			peers := make([]string, 0, len(uc.Columns)-1)
			for _, col := range uc.Columns {
				if col != refCol {
					peers = append(peers, col)
				}
			}

			var keys []RowKey
			var err error
			if len(peers) == 0 {
				keys, err = r.identityConflicts(ctx, q, table.Name, pk, refCol, baseID, mergeID)
			} else {
				keys, err = r.peerConflicts(ctx, q, table.Name, pk, refCol, peers, baseID, mergeID)
			}
			if err != nil {
				return nil, err
			}
			if len(keys) > 0 {
				r.logger.Debug("conflicting rows found",
					slog.String("table", table.Name),
					slog.String("constraint", uc.Name),
					slog.String("column", refCol),
					slog.Int("rows", len(keys)),
				)
			}
			collect(keys)
		}
	}
	return conflicts, nil
}

// identityConflicts handles a constraint made of refCol alone: if a base row
// exists, every merge row collides with it.
func (r *ConflictResolver) identityConflicts(ctx context.Context, q dbexec.QueryExecutor, tableName string, pk []string, refCol string, baseID, mergeID int64) ([]RowKey, error) {
	baseRows, err := r.selectKeys(ctx, q, tableName, pk, refCol, baseID)
	if err != nil {
		return nil, err
	}
	if len(baseRows) > 1 {
		return nil, &InvariantError{Table: tableName, Column: refCol, Identity: baseID, Rows: len(baseRows)}
	}
	mergeRows, err := r.selectKeys(ctx, q, tableName, pk, refCol, mergeID)
	if err != nil {
		return nil, err
	}
	if len(mergeRows) > 1 {
		return nil, &InvariantError{Table: tableName, Column: refCol, Identity: mergeID, Rows: len(mergeRows)}
	}
	if len(baseRows) == 0 {
		return nil, nil
	}
	return mergeRows, nil
}

func (r *ConflictResolver) selectKeys(ctx context.Context, q dbexec.QueryExecutor, tableName string, pk []string, refCol string, id int64) ([]RowKey, error) {
	query, args, err := sq.Select(r.dialect.QuoteIdentifiers(pk)...).
		From(r.dialect.QuoteIdentifier(tableName)).
		Where(sq.Eq{r.dialect.QuoteIdentifier(refCol): id}).
		PlaceholderFormat(r.dialect.Placeholder()).
		ToSql()
	if err != nil {
		return nil, err
	}
	return queryRowKeys(ctx, q, len(pk), query, args)
}

// peerConflicts self-joins the table: a merge row conflicts when a base row
// agrees with it on every peer column.
//
//	SELECT a.pk FROM t a
//	INNER JOIN (SELECT peers FROM t WHERE ref = base) b ON a.p = b.p ...
//	WHERE a.ref = merge
func (r *ConflictResolver) peerConflicts(ctx context.Context, q dbexec.QueryExecutor, tableName string, pk []string, refCol string, peers []string, baseID, mergeID int64) ([]RowKey, error) {
	quotedTable := r.dialect.QuoteIdentifier(tableName)

	baseSQL, baseArgs, err := sq.Select(r.dialect.QuoteIdentifiers(peers)...).
		From(quotedTable).
		Where(sq.Eq{r.dialect.QuoteIdentifier(refCol): baseID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	on := make([]string, len(peers))
	for i, peer := range peers {
		on[i] = fmt.Sprintf("%s = %s", r.dialect.Qualify("a", peer), r.dialect.Qualify("b", peer))
	}

	selected := make([]string, len(pk))
	for i, col := range pk {
		selected[i] = r.dialect.Qualify("a", col)
	}

	query, args, err := sq.Select(selected...).
		From(quotedTable+" a").
		JoinClause(fmt.Sprintf("INNER JOIN (%s) b ON %s", baseSQL, strings.Join(on, " AND ")), baseArgs...).
		Where(sq.Eq{r.dialect.Qualify("a", refCol): mergeID}).
		PlaceholderFormat(r.dialect.Placeholder()).
		ToSql()
	if err != nil {
		return nil, err
	}
	return queryRowKeys(ctx, q, len(pk), query, args)
}

func queryRowKeys(ctx context.Context, q dbexec.QueryExecutor, width int, query string, args []any) ([]RowKey, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []RowKey
	for rows.Next() {
		values := make([]any, width)
		dest := make([]any, width)
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		keys = append(keys, RowKey(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
