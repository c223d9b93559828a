package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
	"relbatch/internal/config"
	"relbatch/internal/planner"
)

var periodEnds = []string{"2024-12-31", "2024-11-30", "2024-10-31", "2024-09-30"}

func testCatalog(t *testing.T) *catalog.Catalog {
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
			Table:        "property_leases",
			ParentColumn: "property_id",
			KeyFields:    []string{"leaseId"},
			DefaultOrder: []batch.OrderTerm{{Field: "leaseId"}},
		},
	)
	require.NoError(t, err)
	return cat
}

// fakeStore serves metric rows for parents 1..n, four periods each, newest
// first. It understands both query shapes well enough to route by parent.
type fakeStore struct {
	mu      sync.Mutex
	data    map[int64][]batch.Row
	queries []planner.Query
	failOn  func(planner.Query) error
	extra   []batch.Row
}

func newFakeStore(parents int) *fakeStore {
	s := &fakeStore{data: make(map[int64][]batch.Row)}
	for p := int64(1); p <= int64(parents); p++ {
		for i, end := range periodEnds {
			s.data[p] = append(s.data[p], batch.Row{
				"propertyId": p,
				"periodEnd":  end,
				"month":      int64(12 - i),
				"fieldA":     p*100 + int64(i),
				"fieldB":     fmt.Sprintf("b-%d-%d", p, i),
				"fieldC":     float64(p) + float64(i)/10,
			})
		}
	}
	return s
}

func (s *fakeStore) RunQuery(ctx context.Context, q planner.Query) ([]batch.Row, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failOn != nil {
		if err := s.failOn(q); err != nil {
			return nil, err
		}
	}

	rows := []batch.Row{}
	switch q.Shape {
	case planner.ShapeWindowed:
		n := parentPlaceholders(q.SQL)
		window := q.Args[len(q.Args)-1].(int)
		for _, arg := range q.Args[:n] {
			parent := arg.(int64)
			for i, src := range s.data[parent] {
				if i >= window {
					break
				}
				rows = append(rows, project(src, q.Columns, parent))
			}
		}
	case planner.ShapeReconcile:
		for i := 0; i+1 < len(q.Args); i += 2 {
			parent := q.Args[i].(int64)
			for _, src := range s.data[parent] {
				if src["periodEnd"] == q.Args[i+1] {
					rows = append(rows, project(src, q.Columns, parent))
				}
			}
		}
	}
	return append(rows, s.extra...), nil
}

func (s *fakeStore) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *fakeStore) lastQuery() planner.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[len(s.queries)-1]
}

func parentPlaceholders(sql string) int {
	start := strings.Index(sql, " IN (")
	end := strings.Index(sql[start:], ")")
	return strings.Count(sql[start:start+end], "?")
}

func project(src batch.Row, columns []string, parent int64) batch.Row {
	row := make(batch.Row, len(columns))
	for _, c := range columns {
		if c == planner.BatchParentAlias {
			row[c] = parent
			continue
		}
		row[c] = src[c]
	}
	return row
}

func newTestEngine(t *testing.T, store *fakeStore, mutate func(*config.BatchConfig)) *Engine {
	t.Helper()
	cfg := config.DefaultBatchConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(store, testCatalog(t), Options{Batch: cfg})
}

func metricsRequest(parent int64, fields ...string) batch.Request {
	return batch.Request{
		ParentType:    "Property",
		ParentID:      parent,
		RelationField: "metrics",
		Fields:        batch.NewFieldSet(fields...),
	}
}
