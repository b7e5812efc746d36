package store

import (
	"fmt"
	"strings"
	"time"
)

// Dialect covers the SQL differences between the supported drivers.
type Dialect interface {
	Placeholder(n int) string
	Now() string
	// SubtractSeconds renders an expression for "now minus n seconds".
	SubtractSeconds(n int64) string
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(_ int) string { return "?" }
func (sqliteDialect) Now() string { return "datetime('now','localtime')" }
func (sqliteDialect) SubtractSeconds(n int64) string {
	return fmt.Sprintf("datetime('now','localtime','-%d seconds')", n)
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) Now() string { return "NOW()" }
func (postgresDialect) SubtractSeconds(n int64) string {
	return fmt.Sprintf("NOW() - INTERVAL '%d seconds'", n)
}

// parseTime converts a scanned timestamp value to time.Time.
// Handles both SQLite (returns string) and Postgres (returns time.Time).
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if t == "" {
			return time.Time{}
		}
		for _, layout := range []string{
			"2006-01-02 15:04:05",
			time.RFC3339,
			time.RFC3339Nano,
			"2006-01-02 15:04:05-07:00",
			"2006-01-02 15:04:05.999999-07:00",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// parseBool reads a boolean column stored as INTEGER (SQLite) or BOOLEAN.
func parseBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func Rebind(query string) string {
	n := 0
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
