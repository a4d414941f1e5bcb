package introspection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForeignKeyConstraints_GroupsByConstraintName(t *testing.T) {
	table := Table{
		Name: "membership",
		ForeignKeys: []ForeignKey{
			{ConstraintName: "fk_user", ColumnName: "user_id", ReferencedTable: "user", ReferencedColumn: "id", OrdinalPosition: 2},
			{ConstraintName: "fk_user", ColumnName: "tenant_id", ReferencedTable: "user", ReferencedColumn: "tenant_id", OrdinalPosition: 1},
			{ConstraintName: "fk_group", ColumnName: "group_id", ReferencedTable: "groups", ReferencedColumn: "id", OrdinalPosition: 1},
		},
	}

	got := ForeignKeyConstraints(table)
	require.Len(t, got, 2)
	assert.Equal(t, "fk_group", got[0].ConstraintName)
	assert.Equal(t, "fk_user", got[1].ConstraintName)
	assert.Equal(t, []string{"tenant_id", "user_id"}, got[1].ColumnNames)
	assert.Equal(t, []string{"tenant_id", "id"}, got[1].ReferencedColumns)
}

func TestForeignKeyConstraints_UnnamedRowsStayIsolated(t *testing.T) {
	table := Table{
		Name: "forum_posts",
		ForeignKeys: []ForeignKey{
			{ColumnName: "authorid", ReferencedTable: "user", ReferencedColumn: "id"},
			{ColumnName: "reviewerid", ReferencedTable: "user", ReferencedColumn: "id"},
		},
	}

	got := ForeignKeyConstraints(table)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ColumnNames[0], got[1].ColumnNames[0])
}

func TestForeignKeyConstraints_Empty(t *testing.T) {
	assert.Nil(t, ForeignKeyConstraints(Table{Name: "log"}))
}
