// Package sqlutil provides SQL dialect helpers shared by introspection, planning and locking.
package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the syntax differences between supported databases.
type Dialect struct {
	name        string
	driver      string
	quote       string
	placeholder sq.PlaceholderFormat
}

var (
	// MySQL covers MySQL, MariaDB and TiDB.
	MySQL = Dialect{name: "mysql", driver: "mysql", quote: "`", placeholder: sq.Question}
	// Postgres uses the pgx stdlib driver.
	Postgres = Dialect{name: "postgres", driver: "pgx", quote: `"`, placeholder: sq.Dollar}
	// SQLite uses the pure Go modernc driver.
	SQLite = Dialect{name: "sqlite", driver: "sqlite", quote: `"`, placeholder: sq.Question}
)

// ParseDialect resolves a configured dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "tidb", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q (use mysql, postgres or sqlite)", name)
	}
}

// Name returns the canonical dialect name.
func (d Dialect) Name() string {
	return d.name
}

// DriverName returns the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	return d.driver
}

// Placeholder returns the squirrel placeholder format for bound parameters.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d.placeholder == nil {
		return sq.Question
	}
	return d.placeholder
}

// QuoteIdentifier quotes a table or column name, doubling any embedded quote characters.
func (d Dialect) QuoteIdentifier(name string) string {
	q := d.quote
	if q == "" {
		q = "`"
	}
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteIdentifiers quotes each name in order.
func (d Dialect) QuoteIdentifiers(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = d.QuoteIdentifier(name)
	}
	return quoted
}

// Qualify quotes a column reference prefixed with a table alias.
func (d Dialect) Qualify(alias, column string) string {
	return alias + "." + d.QuoteIdentifier(column)
}

func (d Dialect) String() string {
	return d.name
}
