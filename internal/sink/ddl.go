package sink

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var ledgerSchemaSQL string

const ledgerInsertColumns = "pipeline, file_key, checksum, rows_committed, rows_skipped, committed_at"

var sqlTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\([0-9, ]+\))?$`)

// quoteTable quotes a possibly schema-qualified table name. Both drivers
// accept standard double-quoted identifiers.
func quoteTable(table string) string {
	return tableIdent(table).Sanitize()
}

func tableIdent(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// createTableSQL renders CREATE TABLE IF NOT EXISTS for the mapped columns.
func createTableSQL(table string, cols []ColumnDef) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("create table %s: no columns", table)
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		if c.Type == "" {
			return "", fmt.Errorf("create table %s: column %s has no type", table, c.Name)
		}
		if !sqlTypePattern.MatchString(c.Type) {
			return "", fmt.Errorf("create table %s: column %s has unsupported type %q", table, c.Name, c.Type)
		}
		defs[i] = pgx.Identifier{c.Name}.Sanitize() + " " + c.Type
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quoteTable(table), strings.Join(defs, ",\n    ")), nil
}
