// Package batch holds the value types shared by every stage of the relation
// batching pipeline: requests, signatures, row keys, result slots, and the
// error taxonomy surfaced to callers.
package batch

import (
	"fmt"
	"sort"
	"strings"
)

// Request is one relation field occurrence collected while walking a nested
// request tree, bound to a single parent entity.
type Request struct {
	ParentType    string
	ParentID      any
	RelationField string
	Alias         string
	Fields        FieldSet
	Filter        any
	OrderBy       any
	// First is the per-parent window requested by this occurrence. Zero means
	// the engine default.
	First int
}

// Identity is the merge identity of a request. Alias is the response name,
// which defaults to the relation field name.
type Identity struct {
	ParentType    string
	RelationField string
	Alias         string
}

// Identity returns the merge identity of the request.
func (r Request) Identity() Identity {
	alias := r.Alias
	if alias == "" {
		alias = r.RelationField
	}
	return Identity{ParentType: r.ParentType, RelationField: r.RelationField, Alias: alias}
}

// Relation returns the qualified relation name used in signatures and logs.
func (r Request) Relation() string {
	return RelationName(r.ParentType, r.RelationField)
}

// RelationName qualifies a relation field with its owning type.
func RelationName(parentType, field string) string {
	if parentType == "" {
		return field
	}
	return parentType + "." + field
}

func (i Identity) String() string {
	return fmt.Sprintf("%s.%s:%s", i.ParentType, i.RelationField, i.Alias)
}

// OrderTerm is one ordering column expressed in field names.
type OrderTerm struct {
	Field string
	Desc  bool
}

// Canonical encodes the term as "field" or "-field" for signature keys.
func (t OrderTerm) Canonical() string {
	if t.Desc {
		return "-" + t.Field
	}
	return t.Field
}

// FieldSet is a sorted, duplicate-free set of field names. The zero value is
// an empty set.
type FieldSet []string

// NewFieldSet builds a set from field names, dropping blanks and duplicates.
func NewFieldSet(fields ...string) FieldSet {
	seen := make(map[string]struct{}, len(fields))
	out := make(FieldSet, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Union returns a new set holding the fields of both sets.
func (s FieldSet) Union(other FieldSet) FieldSet {
	merged := make([]string, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewFieldSet(merged...)
}

// Contains reports whether field is in the set.
func (s FieldSet) Contains(field string) bool {
	i := sort.SearchStrings(s, field)
	return i < len(s) && s[i] == field
}

// Covers reports whether every field of other is in s.
func (s FieldSet) Covers(other FieldSet) bool {
	return len(s.Missing(other)) == 0
}

// Missing returns the fields of other that s lacks.
func (s FieldSet) Missing(other FieldSet) FieldSet {
	var missing FieldSet
	for _, f := range other {
		if !s.Contains(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Equal reports whether both sets hold the same fields.
func (s FieldSet) Equal(other FieldSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Key is a stable string form of the set.
func (s FieldSet) Key() string {
	return strings.Join(s, ",")
}
