// Package planner turns batched relation fetches into parameterized SQL for
// MySQL/TiDB. It knows two query shapes: a per-parent windowed fetch and a
// composite-key reconciliation fetch.
package planner

import (
	"relbatch/internal/batch"
	"relbatch/internal/catalog"
)

// Shape names the form of a store query.
type Shape string

const (
	// ShapeWindowed fetches up to N ordered child rows per parent in one query.
	ShapeWindowed Shape = "windowed"
	// ShapeReconcile fetches columns for an explicit list of composite row keys.
	ShapeReconcile Shape = "reconcile"
)

// BatchParentAlias is the result column carrying each row's parent identifier.
const BatchParentAlias = "__batch_parent"

// Query is a planned store query. Columns names the result columns in select
// order: field names, followed by BatchParentAlias.
type Query struct {
	Shape   Shape
	SQL     string
	Args    []any
	Columns []string
}

// Tuple is one composite row key: the parent identifier followed by the
// relation key field values.
type Tuple struct {
	Values []any
}

// FetchFields returns the fields a query must select to serve the requested
// fields: the requested set plus key and ordering fields needed for routing.
func FetchFields(rel catalog.Relation, requested batch.FieldSet, order []batch.OrderTerm) batch.FieldSet {
	extra := make([]string, 0, len(rel.KeyFields)+len(order))
	extra = append(extra, rel.KeyFields...)
	for _, term := range order {
		extra = append(extra, term.Field)
	}
	return requested.Union(batch.NewFieldSet(extra...))
}
