package batch

import (
	"fmt"
	"strings"
)

// Signature is the semantic batching key: relation identity plus the
// canonical forms of the filter and order arguments. It is a comparable value
// type; aliases and requested fields are deliberately absent.
type Signature struct {
	Relation  string
	FilterKey string
	OrderKey  string
}

func (s Signature) String() string {
	return fmt.Sprintf("%s|%s|%s", s.Relation, s.FilterKey, s.OrderKey)
}

// ParentKey is the normalized form of a parent identifier. Values that print
// the same (int 5, int64 5, "5") address the same parent, which keeps driver
// scan types and caller-supplied ids comparable.
type ParentKey string

// ParentKeyOf normalizes a parent identifier.
func ParentKeyOf(id any) ParentKey {
	switch v := id.(type) {
	case nil:
		return ""
	case []byte:
		return ParentKey(v)
	case string:
		return ParentKey(v)
	default:
		return ParentKey(fmt.Sprint(v))
	}
}

// CompositeRowKey identifies one fetched row within a signature: the owning
// parent plus the relation-local discriminator columns.
type CompositeRowKey struct {
	Parent ParentKey
	Local  string
}

// LocalKey encodes discriminator values of a row, in keyFields order.
func LocalKey(row Row, keyFields []string) string {
	parts := make([]string, len(keyFields))
	for i, f := range keyFields {
		parts[i] = fmt.Sprintf("%d:%v", len(f), normalizeKeyValue(row[f]))
	}
	return strings.Join(parts, "|")
}

func normalizeKeyValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Row is one fetched child row keyed by field name.
type Row map[string]any

// Project copies the requested fields of the row. Fields the row lacks are
// omitted rather than set to nil.
func (r Row) Project(fields FieldSet) Row {
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// ResultSlot receives the rows of one logical request for one parent. Rows is
// never nil for a successful slot.
type ResultSlot struct {
	Identity Identity
	ParentID any
	Fields   FieldSet
	Rows     []Row
	Err      error
}
