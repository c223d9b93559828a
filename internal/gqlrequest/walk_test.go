package gqlrequest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
	"relbatch/internal/selection"
)

func walkCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		catalog.Relation{
			ParentType:   "Property",
			Field:        "metrics",
			ParentColumn: "property_id",
			KeyFields:    []string{"periodEnd"},
			DefaultOrder: []batch.OrderTerm{{Field: "periodEnd", Desc: true}},
		},
		catalog.Relation{
			ParentType:   "Property",
			Field:        "leases",
			ParentColumn: "property_id",
			KeyFields:    []string{"leaseId"},
		},
	)
	require.NoError(t, err)
	return cat
}

func parentIDs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

const twoFragmentQuery = `
query Portfolio {
	properties {
		edges {
			node {
				id
				...Summary
				...Detail
			}
		}
	}
}

fragment Summary on Property {
	metrics(filter: {status: "final"}, orderBy: {periodEnd: DESC}, first: 4) {
		edges { node { periodEnd fieldA fieldB } }
	}
}

fragment Detail on Property {
	metrics(filter: {status: "final"}, orderBy: {periodEnd: DESC}, first: 4) {
		edges { node { periodEnd fieldC __typename } }
	}
}
`

func TestWalk_TwoFragmentsSameAlias(t *testing.T) {
	doc, err := Parse(Envelope{Query: twoFragmentQuery})
	require.NoError(t, err)

	reqs, err := NewWalker(walkCatalog(t)).Walk(doc, WalkOptions{
		Path:       "properties.edges.node",
		ParentType: "Property",
		Parents:    parentIDs(10),
	})
	require.NoError(t, err)
	require.Len(t, reqs, 20)

	first := reqs[0]
	assert.Equal(t, int64(1), first.ParentID)
	assert.Equal(t, "metrics", first.RelationField)
	assert.Equal(t, "metrics", first.Alias)
	assert.Equal(t, batch.NewFieldSet("periodEnd", "fieldA", "fieldB"), first.Fields)
	assert.Equal(t, map[string]any{"status": "final"}, first.Filter)
	assert.Equal(t, map[string]any{"periodEnd": "DESC"}, first.OrderBy)
	assert.Equal(t, 4, first.First)
	assert.Equal(t, batch.NewFieldSet("periodEnd", "fieldC"), reqs[1].Fields)

	merged := selection.Merge(reqs)
	require.Len(t, merged.Requests, 10)
	for _, r := range merged.Requests {
		assert.Equal(t, batch.NewFieldSet("periodEnd", "fieldA", "fieldB", "fieldC"), r.Fields)
		assert.True(t, r.Divergent)
		assert.Len(t, r.Sources, 2)
	}
}

func TestWalk_AliasesAndVariables(t *testing.T) {
	query := `query Q($f: MetricFilter, $n: Int, $withLeases: Boolean!) {
		property {
			recent: metrics(filter: $f, first: $n) { nodes { periodEnd fieldA } }
			all: metrics { periodEnd }
			leases @include(if: $withLeases) { leaseId }
			name
		}
	}`
	doc, err := Parse(Envelope{
		Query:        query,
		VariablesRaw: json.RawMessage(`{"f": {"fieldA": {"gt": 10}}, "n": 2, "withLeases": false}`),
	})
	require.NoError(t, err)

	reqs, err := NewWalker(walkCatalog(t)).Walk(doc, WalkOptions{
		Path:       "property",
		ParentType: "Property",
		Parents:    []any{int64(7)},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "recent", reqs[0].Alias)
	assert.Equal(t, map[string]any{"fieldA": map[string]any{"gt": int64(10)}}, reqs[0].Filter)
	assert.Equal(t, 2, reqs[0].First)
	assert.Equal(t, batch.NewFieldSet("periodEnd", "fieldA"), reqs[0].Fields)

	assert.Equal(t, "all", reqs[1].Alias)
	assert.Nil(t, reqs[1].Filter)
	assert.Equal(t, 0, reqs[1].First)
}

func TestWalk_TypeConditions(t *testing.T) {
	query := `{
		node {
			... on Property { metrics { periodEnd } }
			... on Building { metrics { periodEnd fieldA } }
		}
	}`
	doc, err := Parse(Envelope{Query: query})
	require.NoError(t, err)

	reqs, err := NewWalker(walkCatalog(t)).Walk(doc, WalkOptions{
		Path:       "node",
		ParentType: "Property",
		Parents:    []any{int64(1)},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, batch.NewFieldSet("periodEnd"), reqs[0].Fields)
}

func TestWalk_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		path  string
	}{
		{name: "missing path", query: `{ property { metrics { periodEnd } } }`, path: "building"},
		{name: "unsupported argument", query: `{ property { metrics(after: "x") { periodEnd } } }`, path: "property"},
		{name: "negative window", query: `{ property { metrics(first: -1) { periodEnd } } }`, path: "property"},
		{name: "zero window", query: `{ property { metrics(first: 0) { periodEnd } } }`, path: "property"},
		{name: "zero limit", query: `{ property { metrics(limit: 0) { periodEnd } } }`, path: "property"},
		{name: "scalar filter", query: `{ property { metrics(filter: 3) { periodEnd } } }`, path: "property"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(Envelope{Query: tt.query})
			require.NoError(t, err)
			_, err = NewWalker(walkCatalog(t)).Walk(doc, WalkOptions{
				Path:       tt.path,
				ParentType: "Property",
				Parents:    []any{int64(1)},
			})
			assert.Error(t, err)
		})
	}
}
