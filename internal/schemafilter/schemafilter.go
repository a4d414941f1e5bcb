// Package schemafilter applies allow/deny filters to the tables and reference
// columns the generic merge tier may touch.
package schemafilter

import (
	"path"
	"slices"
	"strings"
)

// Config controls allow/deny filters for tables and reference columns.
type Config struct {
	AllowTables []string `mapstructure:"allow_tables"`
	DenyTables  []string `mapstructure:"deny_tables"`
	// DenyColumns removes columns from reference detection. The "*" key applies to every table.
	DenyColumns map[string][]string `mapstructure:"deny_columns"`
}

// Apply returns the table names allowed by cfg, preserving input order.
// Missing allow lists default to allow-all; deny rules always win.
func Apply(tables []string, cfg Config) []string {
	filtered := make([]string, 0, len(tables))
	for _, table := range tables {
		if TableAllowed(table, cfg) {
			filtered = append(filtered, table)
		}
	}
	return filtered
}

// TableAllowed reports whether a single table passes the table filters.
func TableAllowed(table string, cfg Config) bool {
	if matchesAny(table, cfg.DenyTables) {
		return false
	}
	if len(cfg.AllowTables) == 0 {
		return true
	}
	return matchesAny(table, cfg.AllowTables)
}

// ColumnAllowed reports whether a reference column may be rewritten.
func ColumnAllowed(table, column string, cfg Config) bool {
	return !matchesAny(column, mergePatterns(cfg.DenyColumns, table))
}

// FilterColumns drops denied columns from columns, preserving order.
func FilterColumns(table string, columns []string, cfg Config) []string {
	if len(cfg.DenyColumns) == 0 {
		return columns
	}
	filtered := make([]string, 0, len(columns))
	for _, column := range columns {
		if ColumnAllowed(table, column, cfg) {
			filtered = append(filtered, column)
		}
	}
	return filtered
}

func mergePatterns(patterns map[string][]string, table string) []string {
	if patterns == nil {
		return nil
	}
	combined := append([]string{}, patterns["*"]...)
	combined = append(combined, patterns[table]...)
	return slices.Compact(combined)
}

func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		// matching should be case-insensitive
		ok, err := path.Match(strings.ToLower(pattern), value)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
