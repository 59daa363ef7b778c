package sqlstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect selects the SQL flavour of the backing database
type Dialect string

const (
	// Postgres is used with the lib/pq driver ("postgres")
	Postgres Dialect = "postgres"
	// SQLite is used with the mattn/go-sqlite3 driver ("sqlite3")
	SQLite Dialect = "sqlite"
)

// ParseDialect maps a driver or dialect name to a Dialect
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database dialect %q", name)
}

// DriverName returns the database/sql driver name for the dialect
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders for the dialect. SQLite gets ?N, which keeps
// explicit positions when a parameter is used twice.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func (d Dialect) jsonType() string {
	if d == SQLite {
		return "TEXT"
	}
	return "JSONB"
}

func (d Dialect) timeType() string {
	if d == SQLite {
		return "DATETIME"
	}
	return "TIMESTAMPTZ"
}

func (d Dialect) floatType() string {
	if d == SQLite {
		return "REAL"
	}
	return "DOUBLE PRECISION"
}

// jsonElements is a FROM clause yielding one row per element of a JSON
// string array column, exposed as e.value
func (d Dialect) jsonElements(column string) string {
	if d == SQLite {
		return "json_each(" + column + ") AS e"
	}
	return "jsonb_array_elements_text(" + column + ") AS e(value)"
}

// forUpdate locks selected rows until the transaction ends
func (d Dialect) forUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}
