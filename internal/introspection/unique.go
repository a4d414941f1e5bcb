package introspection

import (
	"slices"
	"sort"
	"strings"
)

// PrimaryKeyConstraintName names the primary key in UniqueConstraints output.
const PrimaryKeyConstraintName = "PRIMARY"

// UniqueConstraint is an ordered column set whose values are distinct across rows.
type UniqueConstraint struct {
	Name    string
	Columns []string
}

// UniqueConstraints returns the primary key followed by every unique index,
// skipping constraints that cover the same column set as an earlier one.
// Partial and expression indexes are left out: their column set alone does
// not say which rows collide.
func UniqueConstraints(table Table) []UniqueConstraint {
	var result []UniqueConstraint
	seen := make(map[string]struct{})
	add := func(name string, columns []string) {
		if len(columns) == 0 {
			return
		}
		key := columnSetKey(columns)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		result = append(result, UniqueConstraint{Name: name, Columns: append([]string(nil), columns...)})
	}

	add(PrimaryKeyConstraintName, PrimaryKeyColumns(table))

	indexes := slices.Clone(table.Indexes)
	sort.SliceStable(indexes, func(i, j int) bool {
		return indexes[i].Name < indexes[j].Name
	})
	for _, idx := range indexes {
		if idx.Unique && !idx.Partial && !idx.Expression {
			add(idx.Name, idx.Columns)
		}
	}
	return result
}

func columnSetKey(columns []string) string {
	sorted := slices.Clone(columns)
	slices.Sort(sorted)
	return strings.Join(sorted, "\x00")
}
