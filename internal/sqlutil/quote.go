// Package sqlutil provides SQL identifier helpers for the MySQL/TiDB dialect.
package sqlutil

import "strings"

// QuoteIdentifier quotes a table or column name with backticks, doubling any
// backtick inside the name.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

