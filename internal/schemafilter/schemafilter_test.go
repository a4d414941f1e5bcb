package schemafilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply_AllowsAllByDefault(t *testing.T) {
	tables := []string{"user", "log", "user_enrolments"}
	assert.Equal(t, tables, Apply(tables, Config{}))
}

func TestApply_TableFilters(t *testing.T) {
	tables := []string{"user", "audit_intern", "log", "cache_flags"}

	cfg := Config{
		AllowTables: []string{"*"},
		DenyTables:  []string{"*_intern", "cache_*"},
	}

	assert.Equal(t, []string{"user", "log"}, Apply(tables, cfg))
}

func TestApply_AllowListOnly(t *testing.T) {
	tables := []string{"user", "forum_posts", "forum_discussions", "log"}

	cfg := Config{AllowTables: []string{"forum_*"}}

	assert.Equal(t, []string{"forum_posts", "forum_discussions"}, Apply(tables, cfg))
}

func TestTableAllowed_CaseInsensitiveAndDenyWins(t *testing.T) {
	cfg := Config{
		AllowTables: []string{"LOG*"},
		DenyTables:  []string{"log_archive"},
	}

	assert.True(t, TableAllowed("logstore", cfg))
	assert.False(t, TableAllowed("Log_Archive", cfg))
	assert.False(t, TableAllowed("user", cfg))
}

func TestTableAllowed_InvalidPatternIgnored(t *testing.T) {
	cfg := Config{DenyTables: []string{"[", ""}}
	assert.True(t, TableAllowed("user", cfg))
}

func TestFilterColumns(t *testing.T) {
	cfg := Config{
		DenyColumns: map[string][]string{
			"*":               {"modifierid"},
			"user_enrolments": {"user_*"},
			"unrelated_table": {"userid"},
		},
	}

	assert.Equal(t, []string{"userid"},
		FilterColumns("user_enrolments", []string{"userid", "modifierid", "user_id"}, cfg))
	assert.Equal(t, []string{"userid", "user_id"},
		FilterColumns("log", []string{"userid", "modifierid", "user_id"}, cfg))
	assert.True(t, ColumnAllowed("log", "userid", cfg))
	assert.False(t, ColumnAllowed("unrelated_table", "userid", cfg))
}

func TestFilterColumns_NoRules(t *testing.T) {
	columns := []string{"userid"}
	assert.Equal(t, columns, FilterColumns("log", columns, Config{}))
}
