package merge

import (
	"context"
	"fmt"

	"github.com/C4ne/merge2users/internal/dbexec"
)

// Tier identifies the processing pass that handled a table.
type Tier string

const (
	TierCore      Tier = "core"
	TierExtension Tier = "extension"
	TierGeneric   Tier = "generic"
)

// OperationKind classifies a planned statement.
type OperationKind string

const (
	OpDelete OperationKind = "delete"
	OpUpdate OperationKind = "update"
	OpCustom OperationKind = "custom"
)

// Operation is one parameterized statement of a table's merge plan.
type Operation struct {
	Kind   OperationKind
	Table  string
	Column string // reference column rewritten by an update
	SQL    string
	Args   []any
}

// Custom builds an operation from caller-supplied SQL, for extensions.
func Custom(table, sql string, args ...any) Operation {
	return Operation{Kind: OpCustom, Table: table, SQL: sql, Args: args}
}

func (o Operation) String() string {
	if o.Column != "" {
		return fmt.Sprintf("%s %s.%s", o.Kind, o.Table, o.Column)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Table)
}

// execute runs the operation and returns the affected row count, or -1 when
// the driver cannot report one.
func (o Operation) execute(ctx context.Context, q dbexec.QueryExecutor) (int64, error) {
	res, err := q.ExecContext(ctx, o.SQL, o.Args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return affected, nil
}
