package introspection

import (
	"fmt"
	"sort"
)

// ForeignKeyConstraint is a whole foreign key with positional column mappings:
// ColumnNames[i] references ReferencedColumns[i].
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// ForeignKeyConstraints groups per-column foreign key rows by constraint name,
// ordered by constraint name and then by ordinal position.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	keyed := make([]struct {
		key string
		fk  ForeignKey
	}, len(table.ForeignKeys))
	for i, fk := range table.ForeignKeys {
		key := fk.ConstraintName
		if key == "" {
			// Unnamed rows never belong to the same constraint.
			key = fmt.Sprintf("~unnamed_%06d", i)
		}
		keyed[i].key = key
		keyed[i].fk = fk
	}

	sort.SliceStable(keyed, func(i, j int) bool {
		if keyed[i].key != keyed[j].key {
			return keyed[i].key < keyed[j].key
		}
		return keyed[i].fk.OrdinalPosition < keyed[j].fk.OrdinalPosition
	})

	var result []ForeignKeyConstraint
	lastKey := ""
	for _, item := range keyed {
		if len(result) == 0 || item.key != lastKey {
			result = append(result, ForeignKeyConstraint{
				ConstraintName:  item.fk.ConstraintName,
				ReferencedTable: item.fk.ReferencedTable,
			})
			lastKey = item.key
		}
		group := &result[len(result)-1]
		group.ColumnNames = append(group.ColumnNames, item.fk.ColumnName)
		group.ReferencedColumns = append(group.ReferencedColumns, item.fk.ReferencedColumn)
	}
	return result
}
