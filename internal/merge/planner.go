package merge

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
	"github.com/C4ne/merge2users/internal/schemafilter"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

// Planner turns reference columns and conflicting rows into an ordered list
// of operations for one table.
type Planner struct {
	dialect  sqlutil.Dialect
	entity   Entity
	filter   schemafilter.Config
	resolver *ConflictResolver
	logger   *slog.Logger
}

// NewPlanner creates a planner for dialect. filter removes denied columns from
// detected reference columns.
func NewPlanner(dialect sqlutil.Dialect, entity Entity, filter schemafilter.Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		dialect:  dialect,
		entity:   entity,
		filter:   filter,
		resolver: NewConflictResolver(dialect, logger),
		logger:   logger,
	}
}

// Dialect returns the SQL dialect the planner emits.
func (p *Planner) Dialect() sqlutil.Dialect {
	return p.dialect
}

// Entity returns the merged entity description.
func (p *Planner) Entity() Entity {
	return p.entity
}

// Plan builds the table's operations: a delete of the conflicting rows, then
// one update per reference column that still holds mergeID outside the
// removed rows. The existence checks run against q.
func (p *Planner) Plan(ctx context.Context, q dbexec.QueryExecutor, table introspection.Table, refCols []string, conflicts []RowKey, baseID, mergeID int64) ([]Operation, error) {
	if len(refCols) == 0 {
		return nil, nil
	}

	quotedTable := p.dialect.QuoteIdentifier(table.Name)
	var ops []Operation
	var notRemoved sq.Sqlizer

	if len(conflicts) > 0 {
		pk := introspection.PrimaryKeyColumns(table)
		if len(pk) == 0 {
			return nil, &SchemaError{Table: table.Name, Err: fmt.Errorf("cannot remove conflicting rows without a primary key")}
		}
		selector, err := p.removalSelector(pk, conflicts)
		if err != nil {
			return nil, err
		}

		query, args, err := sq.Delete(quotedTable).
			Where(selector).
			PlaceholderFormat(p.dialect.Placeholder()).
			ToSql()
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Kind: OpDelete, Table: table.Name, SQL: query, Args: args})

		selectorSQL, selectorArgs, err := selector.ToSql()
		if err != nil {
			return nil, err
		}
		notRemoved = sq.Expr("NOT "+selectorSQL, selectorArgs...)
	}

	for _, refCol := range refCols {
		column := p.dialect.QuoteIdentifier(refCol)
		where := sq.And{sq.Eq{column: mergeID}}
		if notRemoved != nil {
			where = append(where, notRemoved)
		}

		exists, err := dbexec.RecordExists(ctx, q, p.dialect, table.Name, where)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s.%s for merge rows: %w", table.Name, refCol, err)
		}
		if !exists {
			continue
		}

		update := sq.Update(quotedTable).
			Set(column, baseID).
			Where(sq.Eq{column: mergeID})
		if notRemoved != nil {
			update = update.Where(notRemoved)
		}
		query, args, err := update.PlaceholderFormat(p.dialect.Placeholder()).ToSql()
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Kind: OpUpdate, Table: table.Name, Column: refCol, SQL: query, Args: args})
	}
	return ops, nil
}

// removalSelector matches exactly the given primary key tuples:
// ((pk1 = ? AND pk2 = ?) OR (pk1 = ? AND pk2 = ?)).
func (p *Planner) removalSelector(pk []string, conflicts []RowKey) (sq.Sqlizer, error) {
	rows := make(sq.Or, 0, len(conflicts))
	for _, key := range conflicts {
		if len(key) != len(pk) {
			return nil, fmt.Errorf("row key has %d values, primary key has %d columns", len(key), len(pk))
		}
		row := make(sq.And, len(pk))
		for i, col := range pk {
			row[i] = sq.Eq{p.dialect.QuoteIdentifier(col): key[i]}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TablePlan is the outcome of planning one table.
type TablePlan struct {
	ReferenceColumns []string
	Conflicts        []RowKey
	Operations       []Operation
}

// ReferenceColumns returns the detected reference columns of table with the
// column filter applied. Overrides bypass the filter.
func (p *Planner) ReferenceColumns(table introspection.Table, overrides []string) []string {
	refCols := DetectReferenceColumns(table, overrides, p.entity)
	if len(overrides) == 0 {
		refCols = schemafilter.FilterColumns(table.Name, refCols, p.filter)
	}
	return refCols
}

// PlanTable runs detection, conflict resolution and planning for one table.
// Reference columns must exist on the table.
func (p *Planner) PlanTable(ctx context.Context, q dbexec.QueryExecutor, table introspection.Table, overrides []string, baseID, mergeID int64) (*TablePlan, error) {
	refCols := p.ReferenceColumns(table, overrides)
	plan := &TablePlan{ReferenceColumns: refCols}
	if len(refCols) == 0 {
		return plan, nil
	}

	for _, col := range refCols {
		if !table.HasColumn(col) {
			return nil, &SchemaError{Table: table.Name, Err: fmt.Errorf("reference column %s does not exist", col)}
		}
	}

	conflicts, err := p.resolver.FindConflicts(ctx, q, table, refCols, baseID, mergeID)
	if err != nil {
		return nil, err
	}
	plan.Conflicts = conflicts

	ops, err := p.Plan(ctx, q, table, refCols, conflicts, baseID, mergeID)
	if err != nil {
		return nil, err
	}
	plan.Operations = ops

	p.logger.Debug("table planned",
		slog.String("table", table.Name),
		slog.Any("reference_columns", refCols),
		slog.Int("conflicts", len(conflicts)),
		slog.Int("operations", len(ops)),
	)
	return plan, nil
}
