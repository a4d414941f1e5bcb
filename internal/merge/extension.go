package merge

import "context"

// Extension supplies operations for tables owned by an external component.
// DeliverMergeSQL returns table name to operations. Its context carries the
// run's logger and id (logging.FromContext, logging.GetRunID).
type Extension interface {
	Name() string
	DeliverMergeSQL(ctx context.Context, baseID, mergeID int64) (map[string][]Operation, error)
}

// ExtensionFunc adapts a function to Extension.
type ExtensionFunc struct {
	ExtensionName string
	Deliver       func(ctx context.Context, baseID, mergeID int64) (map[string][]Operation, error)
}

func (f ExtensionFunc) Name() string { return f.ExtensionName }

func (f ExtensionFunc) DeliverMergeSQL(ctx context.Context, baseID, mergeID int64) (map[string][]Operation, error) {
	return f.Deliver(ctx, baseID, mergeID)
}
