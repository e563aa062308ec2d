// Package sqlutil holds the driver-dialect helpers shared by the metadata
// store and the result-table garbage collector: identifier quoting for the
// dynamically named per-query result tables, and bind-placeholder syntax
// for the statement registry.
package sqlutil

import (
	"fmt"
	"strings"
)

// QuoteIdent validates and quotes an SQL identifier, optionally
// schema-qualified (schema.table), for one of the supported metastore
// drivers. Result-table names are derived from user-influenced
// result_location templates, so anything outside [A-Za-z0-9_.] is refused
// rather than quoted.
func QuoteIdent(driver, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("sqlutil: empty identifier")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return "", fmt.Errorf("sqlutil: invalid identifier: %s", name)
		}
	}

	quoteL, quoteR := quoteRunes(driver)
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("sqlutil: invalid identifier: %s", name)
		}
		parts[i] = quoteL + p + quoteR
	}
	return strings.Join(parts, "."), nil
}

func quoteRunes(driver string) (left, right string) {
	switch driver {
	case "mysql", "mariadb", "sqlite":
		return "`", "`"
	default: // pgx/postgres, and the ANSI fallback
		return `"`, `"`
	}
}

// Placeholder returns the bind-parameter syntax for the driver and a
// 1-based argument index: $n for postgres, ? everywhere else.
func Placeholder(driver string, index int) string {
	if driver == "pgx" || driver == "postgres" {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}
