package catalog

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// DefaultTableName derives a table from a relation field: "metrics" -> "metric",
// "yearlyReports" -> "yearly_report".
func DefaultTableName(field string) string {
	return ToSnakeCase(inflection.Singular(field))
}

// ToSnakeCase converts a camelCase field name to a snake_case column name.
// Acronym runs stay together: "propertyID" -> "property_id".
func ToSnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(runes) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
