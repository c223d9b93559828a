package planner

import (
	"fmt"
	"strings"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
	"relbatch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// PlanWindowed builds one query returning, for every parent, up to window
// child rows ordered by order and filtered by filter. Rows come back sorted by
// parent and rank.
func PlanWindowed(
	rel catalog.Relation,
	fields batch.FieldSet,
	parents []any,
	window int,
	filter sq.Sqlizer,
	order []batch.OrderTerm,
) (Query, error) {
	if len(parents) == 0 {
		return Query{}, nil
	}
	if window <= 0 {
		return Query{}, fmt.Errorf("window must be positive, got %d", window)
	}
	if len(order) == 0 {
		return Query{}, fmt.Errorf("windowed fetch of %s requires an order", rel.Name())
	}

	fetch := FetchFields(rel, fields, order)
	columnList := strings.Join(quotedColumns(rel, fetch), ", ")
	parentColumn := sqlutil.QuoteIdentifier(rel.ParentColumn)

	whereSQL := ""
	var whereArgs []any
	if filter != nil {
		condSQL, condArgs, err := filter.ToSql()
		if err != nil {
			return Query{}, fmt.Errorf("failed to render filter for %s: %w", rel.Name(), err)
		}
		if condSQL != "" {
			whereSQL = " AND (" + condSQL + ")"
			whereArgs = condArgs
		}
	}

	// Column lists and the window clause are outside what squirrel models, so
	// the statement is assembled directly around squirrel placeholders.
	query := fmt.Sprintf(
		"SELECT %s, %s FROM (SELECT %s, %s AS %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS __rn FROM %s WHERE %s IN (%s)%s) AS __batch WHERE __rn <= ? ORDER BY %s, __rn",
		columnList, BatchParentAlias,
		columnList, parentColumn, BatchParentAlias,
		parentColumn, strings.Join(orderClauses(rel, order), ", "),
		sqlutil.QuoteIdentifier(rel.TableName()),
		parentColumn, sq.Placeholders(len(parents)), whereSQL,
		BatchParentAlias,
	)

	args := make([]any, 0, len(parents)+len(whereArgs)+1)
	args = append(args, parents...)
	args = append(args, whereArgs...)
	args = append(args, window)

	return Query{
		Shape:   ShapeWindowed,
		SQL:     query,
		Args:    args,
		Columns: append([]string(fetch), BatchParentAlias),
	}, nil
}

// PlanReconcile builds a query fetching fields for an explicit list of
// composite row keys (parent value followed by the relation key values).
func PlanReconcile(rel catalog.Relation, fields batch.FieldSet, keys []Tuple) (Query, error) {
	if len(keys) == 0 {
		return Query{}, nil
	}

	fetch := fields.Union(batch.NewFieldSet(rel.KeyFields...))
	keyColumns := make([]string, 0, len(rel.KeyFields)+1)
	keyColumns = append(keyColumns, sqlutil.QuoteIdentifier(rel.ParentColumn))
	for _, f := range rel.KeyFields {
		keyColumns = append(keyColumns, sqlutil.QuoteIdentifier(rel.Column(f)))
	}

	whereSQL, whereArgs, err := buildTupleInCondition(keyColumns, keys)
	if err != nil {
		return Query{}, fmt.Errorf("failed to plan reconciliation for %s: %w", rel.Name(), err)
	}

	builder := sq.Select(quotedColumns(rel, fetch)...).
		Column(fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(rel.ParentColumn), BatchParentAlias)).
		From(sqlutil.QuoteIdentifier(rel.TableName())).
		Where(sq.Expr(whereSQL, whereArgs...))

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return Query{}, err
	}
	return Query{
		Shape:   ShapeReconcile,
		SQL:     query,
		Args:    args,
		Columns: append([]string(fetch), BatchParentAlias),
	}, nil
}

// buildTupleInCondition renders a row-constructor IN list. It never expands
// into an OR of equality pairs.
func buildTupleInCondition(quotedColumns []string, tuples []Tuple) (string, []any, error) {
	if len(tuples) == 0 {
		return "", nil, nil
	}
	width := len(quotedColumns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}

	if width == 1 {
		args := make([]any, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple.Values) != 1 {
				return "", nil, fmt.Errorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple.Values[0])
		}
		return fmt.Sprintf("%s IN (%s)", quotedColumns[0], sq.Placeholders(len(tuples))), args, nil
	}

	args := make([]any, 0, len(tuples)*width)
	rows := make([]string, 0, len(tuples))
	rowPlaceholder := "(" + sq.Placeholders(width) + ")"
	for _, tuple := range tuples {
		if len(tuple.Values) != width {
			return "", nil, fmt.Errorf("tuple width mismatch: expected %d values", width)
		}
		rows = append(rows, rowPlaceholder)
		args = append(args, tuple.Values...)
	}
	return fmt.Sprintf("(%s) IN (%s)", strings.Join(quotedColumns, ", "), strings.Join(rows, ", ")), args, nil
}

func quotedColumns(rel catalog.Relation, fields batch.FieldSet) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = sqlutil.QuoteIdentifier(rel.Column(f))
	}
	return out
}
