package merge

import (
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/C4ne/merge2users/internal/introspection"
)

// DefaultReferenceColumns are column spellings that conventionally hold an
// entity id.
var DefaultReferenceColumns = []string{"authorid", "reviewerid", "userid", "user_id", "id_user", "user"}

// Entity names the table and identity column of the merged entity type.
type Entity struct {
	Table  string
	Column string
	// ExtraReferenceColumns extends DefaultReferenceColumns.
	ExtraReferenceColumns []string
}

// DefaultEntity is the "user.id" entity with the built-in name list.
func DefaultEntity() Entity {
	return Entity{Table: "user", Column: "id"}
}

// DetectReferenceColumns returns the columns of table that hold an identity of
// entity. Non-empty overrides are returned unchanged. Otherwise the result is
// the name-list matches in column order followed by foreign key columns that
// target the entity's identity column.
func DetectReferenceColumns(table introspection.Table, overrides []string, entity Entity) []string {
	if len(overrides) > 0 {
		return append([]string(nil), overrides...)
	}

	names := make(map[string]struct{}, len(DefaultReferenceColumns)+len(entity.ExtraReferenceColumns))
	for _, name := range DefaultReferenceColumns {
		names[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range entity.ExtraReferenceColumns {
		names[strings.ToLower(name)] = struct{}{}
	}

	var result []string
	seen := make(map[string]struct{})
	add := func(column string) {
		if _, ok := seen[column]; ok {
			return
		}
		seen[column] = struct{}{}
		result = append(result, column)
	}

	for _, col := range table.Columns {
		if _, ok := names[strings.ToLower(col.Name)]; ok {
			add(col.Name)
		}
	}

	for _, fk := range introspection.ForeignKeyConstraints(table) {
		if !sameTable(fk.ReferencedTable, entity.Table) {
			continue
		}
		for i, refCol := range fk.ReferencedColumns {
			// An empty target means the catalog left the parent's primary key implicit.
			if refCol == "" || strings.EqualFold(refCol, entity.Column) {
				if table.HasColumn(fk.ColumnNames[i]) {
					add(fk.ColumnNames[i])
				}
			}
		}
	}
	return result
}

// sameTable matches table names case-insensitively, treating singular and
// plural spellings as equal ("users" matches "user").
func sameTable(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return strings.EqualFold(inflection.Singular(strings.ToLower(a)), inflection.Singular(strings.ToLower(b)))
}
