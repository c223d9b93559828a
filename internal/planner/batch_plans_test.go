package planner

import (
	"strings"
	"testing"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricsRelation() catalog.Relation {
	return catalog.Relation{
		ParentType:   "Property",
		Field:        "metrics",
		ParentColumn: "property_id",
		KeyFields:    []string{"endDate"},
		DefaultOrder: []batch.OrderTerm{{Field: "endDate"}},
	}
}

func TestFetchFields(t *testing.T) {
	rel := metricsRelation()
	got := FetchFields(rel, batch.NewFieldSet("fieldA"), []batch.OrderTerm{{Field: "month", Desc: true}, {Field: "endDate"}})
	assert.Equal(t, batch.FieldSet{"endDate", "fieldA", "month"}, got)
}

func TestPlanWindowed(t *testing.T) {
	rel := metricsRelation()
	filter := sq.LtOrEq{"`end_date`": "2024-11-30"}

	q, err := PlanWindowed(rel, batch.NewFieldSet("month", "fieldA"), []any{1, 2, 3}, 10, filter, []batch.OrderTerm{{Field: "endDate"}})
	require.NoError(t, err)

	assert.Equal(t, ShapeWindowed, q.Shape)
	assert.Equal(t,
		"SELECT `end_date`, `field_a`, `month`, __batch_parent FROM (SELECT `end_date`, `field_a`, `month`, `property_id` AS __batch_parent, "+
			"ROW_NUMBER() OVER (PARTITION BY `property_id` ORDER BY `end_date` ASC) AS __rn FROM `metric` "+
			"WHERE `property_id` IN (?,?,?) AND (`end_date` <= ?)) AS __batch WHERE __rn <= ? ORDER BY __batch_parent, __rn",
		q.SQL)
	assert.Equal(t, []any{1, 2, 3, "2024-11-30", 10}, q.Args)
	assert.Equal(t, []string{"endDate", "fieldA", "month", BatchParentAlias}, q.Columns)
	assert.NotContains(t, q.SQL, " OR ")
}

func TestPlanWindowed_PredicateIndependentOfChildCount(t *testing.T) {
	rel := metricsRelation()
	parents := make([]any, 10)
	for i := range parents {
		parents[i] = i + 1
	}
	small, err := PlanWindowed(rel, batch.NewFieldSet("fieldA"), parents, 1, nil, []batch.OrderTerm{{Field: "endDate"}})
	require.NoError(t, err)
	large, err := PlanWindowed(rel, batch.NewFieldSet("fieldA"), parents, 500, nil, []batch.OrderTerm{{Field: "endDate"}})
	require.NoError(t, err)

	assert.Equal(t, small.SQL, large.SQL)
	assert.Len(t, large.Args, len(parents)+1)
}

func TestPlanWindowed_Validation(t *testing.T) {
	rel := metricsRelation()

	q, err := PlanWindowed(rel, batch.NewFieldSet("fieldA"), nil, 10, nil, []batch.OrderTerm{{Field: "endDate"}})
	require.NoError(t, err)
	assert.Empty(t, q.SQL)

	_, err = PlanWindowed(rel, batch.NewFieldSet("fieldA"), []any{1}, 0, nil, []batch.OrderTerm{{Field: "endDate"}})
	assert.ErrorContains(t, err, "window must be positive")

	_, err = PlanWindowed(rel, batch.NewFieldSet("fieldA"), []any{1}, 5, nil, nil)
	assert.ErrorContains(t, err, "requires an order")
}

func TestPlanReconcile(t *testing.T) {
	rel := metricsRelation()
	keys := []Tuple{
		{Values: []any{1, "2023-11-30"}},
		{Values: []any{1, "2024-11-30"}},
	}

	q, err := PlanReconcile(rel, batch.NewFieldSet("fieldC"), keys)
	require.NoError(t, err)

	assert.Equal(t, ShapeReconcile, q.Shape)
	assert.Equal(t,
		"SELECT `end_date`, `field_c`, `property_id` AS __batch_parent FROM `metric` WHERE (`property_id`, `end_date`) IN ((?,?), (?,?))",
		q.SQL)
	assert.Equal(t, []any{1, "2023-11-30", 1, "2024-11-30"}, q.Args)
	assert.Equal(t, []string{"endDate", "fieldC", BatchParentAlias}, q.Columns)
	assert.NotContains(t, q.SQL, " OR ")
}

func TestPlanReconcile_WidthMismatch(t *testing.T) {
	_, err := PlanReconcile(metricsRelation(), batch.NewFieldSet("fieldC"), []Tuple{{Values: []any{1}}})
	assert.ErrorContains(t, err, "tuple width mismatch")

	q, err := PlanReconcile(metricsRelation(), batch.NewFieldSet("fieldC"), nil)
	require.NoError(t, err)
	assert.Empty(t, q.SQL)
}

func TestBuildTupleInCondition(t *testing.T) {
	sql, args, err := buildTupleInCondition([]string{"`id`"}, []Tuple{{Values: []any{1}}, {Values: []any{2}}})
	require.NoError(t, err)
	assert.Equal(t, "`id` IN (?,?)", sql)
	assert.Equal(t, []any{1, 2}, args)

	sql, _, err = buildTupleInCondition([]string{"`a`", "`b`"}, []Tuple{{Values: []any{1, 2}}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "(`a`, `b`) IN"))

	_, _, err = buildTupleInCondition(nil, []Tuple{{Values: []any{1}}})
	assert.Error(t, err)
}
