package merge

import (
	"context"
	"sort"

	"github.com/C4ne/merge2users/internal/schemafilter"
)

// ConstraintInfo is a unique constraint that a merge can violate.
type ConstraintInfo struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
}

// TableInspection describes how a run treats one table. It is derived from
// schema metadata only; extension tables are not known until a run.
type TableInspection struct {
	Table            string           `json:"table" yaml:"table"`
	Tier             Tier             `json:"tier" yaml:"tier"`
	Deferred         bool             `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	Filtered         bool             `json:"filtered,omitempty" yaml:"filtered,omitempty"`
	ReferenceColumns []string         `json:"reference_columns,omitempty" yaml:"reference_columns,omitempty"`
	Constraints      []ConstraintInfo `json:"conflicting_constraints,omitempty" yaml:"conflicting_constraints,omitempty"`
}

// Inspect reports reference columns and conflicting constraints for the named
// tables, or for every table when names is empty. It reads no rows.
func (m *Merger) Inspect(ctx context.Context, names []string) ([]TableInspection, error) {
	if len(names) == 0 {
		all, err := m.opts.Introspector.ListTables(ctx)
		if err != nil {
			return nil, &SchemaError{Table: "*", Err: err}
		}
		sort.Strings(all)
		names = all
	}

	out := make([]TableInspection, 0, len(names))
	for _, name := range names {
		table, err := m.opts.Introspector.GetTable(ctx, name)
		if err != nil {
			return nil, &SchemaError{Table: name, Err: err}
		}

		info := TableInspection{Table: name, Tier: TierGeneric}
		reg, core := m.opts.Registry.lookup(name)
		switch {
		case core:
			info.Tier = TierCore
			info.Deferred = reg.deferred
			info.ReferenceColumns = reg.columns
			if len(info.ReferenceColumns) == 0 {
				info.ReferenceColumns = m.planner.ReferenceColumns(*table, nil)
			}
		case !schemafilter.TableAllowed(name, m.opts.Filter):
			info.Filtered = true
		default:
			info.ReferenceColumns = m.planner.ReferenceColumns(*table, m.opts.ReferenceColumns[name])
		}

		for _, uc := range ConflictingConstraints(*table, info.ReferenceColumns) {
			info.Constraints = append(info.Constraints, ConstraintInfo{Name: uc.Name, Columns: uc.Columns})
		}
		out = append(out, info)
	}
	return out, nil
}
