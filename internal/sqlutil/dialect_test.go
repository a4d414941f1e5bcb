package sqlutil

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		dialect  Dialect
		input    string
		expected string
	}{
		{MySQL, "users", "`users`"},
		{MySQL, "select", "`select`"},
		{MySQL, "user`data", "`user``data`"},
		{MySQL, "", "``"},
		{Postgres, "users", `"users"`},
		{Postgres, `a"b`, `"a""b"`},
		{SQLite, "user id", `"user id"`},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name()+"/"+tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dialect.QuoteIdentifier(tt.input))
		})
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"", MySQL, false},
		{"TiDB", MySQL, false},
		{"postgresql", Postgres, false},
		{"sqlite3", SQLite, false},
		{"oracle", Dialect{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Name(), got.Name())
			assert.Equal(t, tt.want.DriverName(), got.DriverName())
		})
	}
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, sq.Question, MySQL.Placeholder())
	assert.Equal(t, sq.Dollar, Postgres.Placeholder())
	assert.Equal(t, sq.Question, Dialect{}.Placeholder())
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "a.`user_id`", MySQL.Qualify("a", "user_id"))
	assert.Equal(t, []string{`"id"`, `"course"`}, Postgres.QuoteIdentifiers([]string{"id", "course"}))
}
