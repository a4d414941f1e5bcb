package introspection

// PrimaryKeyColumns returns the primary key column names in key order.
// Tables built by hand in tests may only flag columns; those are returned in column order.
func PrimaryKeyColumns(table Table) []string {
	if len(table.PrimaryKey) > 0 {
		return append([]string(nil), table.PrimaryKey...)
	}
	var cols []string
	for _, col := range table.Columns {
		if col.IsPrimaryKey {
			cols = append(cols, col.Name)
		}
	}
	return cols
}
