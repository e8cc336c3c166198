package sink

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "pv_records"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnTypes maps schema columns to portable SQL types.
var columnTypes = map[string]string{
	"sequence_number":      "BIGINT NOT NULL",
	"pv_name":              "TEXT NOT NULL",
	"pv_value":             "TEXT",
	"pv_type":              "TEXT",
	"epics_timestamp":      "DOUBLE PRECISION",
	"epics_datetime":       "TEXT",
	"local_datetime":       "TEXT",
	"clock_skew_seconds":   "DOUBLE PRECISION",
	"clock_offset_applied": "DOUBLE PRECISION",
	"previous_value":       "TEXT",
	"value_changed":        "BOOLEAN",
	"connection_status":    "BOOLEAN",
	"severity":             "INTEGER",
	"alarm_status":         "INTEGER",
}

// sqliteColumnTypes gives the value columns no affinity so SQLite stores each
// value with its own storage class.
var sqliteColumnTypes = func() map[string]string {
	m := make(map[string]string, len(columnTypes))
	for k, v := range columnTypes {
		m[k] = v
	}
	m["pv_value"] = "BLOB"
	m["previous_value"] = "BLOB"
	return m
}()

func checkTable(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("sink: invalid table name %q", name)
	}
	return name, nil
}

func createTableSQL(table string, schema []string, types map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, col := range schema {
		typ, ok := types[col]
		if !ok {
			return "", fmt.Errorf("sink: unknown column %q", col)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString(" ")
		b.WriteString(typ)
	}
	b.WriteString(")")
	return b.String(), nil
}

// insertSQL builds an INSERT for schema. numbered selects $n placeholders
// instead of ?.
func insertSQL(table string, schema []string, numbered bool) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(schema, ", "))
	b.WriteString(") VALUES (")
	for i := range schema {
		if i > 0 {
			b.WriteString(",")
		}
		if numbered {
			fmt.Fprintf(&b, "$%d", i+1)
		} else {
			b.WriteString("?")
		}
	}
	b.WriteString(")")
	return b.String()
}
