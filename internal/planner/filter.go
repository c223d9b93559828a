package planner

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"relbatch/internal/catalog"
	"relbatch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// CompileFilter converts a filter argument into a SQL condition for rel.
//
// Structured filters are maps keyed by field name whose values are either a
// scalar (equality) or an operator map using equals, not, lt, lte, gt, gte,
// in, notIn. The keys AND and OR take a list of nested filters, NOT takes a
// single nested filter. A value that already implements squirrel.Sqlizer is
// used as-is. A nil filter compiles to nil.
func CompileFilter(rel catalog.Relation, filter any) (sq.Sqlizer, error) {
	switch f := filter.(type) {
	case nil:
		return nil, nil
	case sq.Sqlizer:
		return f, nil
	case map[string]any:
		return compileFilterMap(rel, f)
	default:
		return nil, fmt.Errorf("unsupported filter type %T for %s", filter, rel.Name())
	}
}

func compileFilterMap(rel catalog.Relation, filter map[string]any) (sq.Sqlizer, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make(sq.And, 0, len(keys))
	for _, key := range keys {
		value := filter[key]
		switch strings.ToUpper(key) {
		case "AND", "OR":
			nested, err := compileFilterList(rel, key, value)
			if err != nil {
				return nil, err
			}
			if len(nested) == 0 {
				continue
			}
			if strings.EqualFold(key, "OR") {
				conds = append(conds, sq.Or(nested))
			} else {
				conds = append(conds, sq.And(nested))
			}
		case "NOT":
			nestedMap, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("NOT filter on %s must be an object", rel.Name())
			}
			nested, err := compileFilterMap(rel, nestedMap)
			if err != nil {
				return nil, err
			}
			if nested == nil {
				continue
			}
			sqlStr, args, err := nested.ToSql()
			if err != nil {
				return nil, err
			}
			conds = append(conds, sq.Expr("NOT ("+sqlStr+")", args...))
		default:
			fieldConds, err := compileFieldFilter(rel, key, value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, fieldConds...)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return conds, nil
}

func compileFilterList(rel catalog.Relation, key string, value any) ([]sq.Sqlizer, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s filter on %s must be a list", strings.ToUpper(key), rel.Name())
	}
	out := make([]sq.Sqlizer, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s filter on %s must contain objects", strings.ToUpper(key), rel.Name())
		}
		cond, err := compileFilterMap(rel, m)
		if err != nil {
			return nil, err
		}
		if cond != nil {
			out = append(out, cond)
		}
	}
	return out, nil
}

func compileFieldFilter(rel catalog.Relation, field string, value any) ([]sq.Sqlizer, error) {
	column := sqlutil.QuoteIdentifier(rel.Column(field))
	ops, ok := value.(map[string]any)
	if !ok {
		return []sq.Sqlizer{sq.Eq{column: value}}, nil
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	conds := make([]sq.Sqlizer, 0, len(names))
	for _, op := range names {
		operand := ops[op]
		switch op {
		case "equals", "eq":
			conds = append(conds, sq.Eq{column: operand})
		case "not", "ne":
			conds = append(conds, sq.NotEq{column: operand})
		case "lt":
			conds = append(conds, sq.Lt{column: operand})
		case "lte":
			conds = append(conds, sq.LtOrEq{column: operand})
		case "gt":
			conds = append(conds, sq.Gt{column: operand})
		case "gte":
			conds = append(conds, sq.GtOrEq{column: operand})
		case "in", "notIn":
			list, err := listOperand(rel, field, op, operand)
			if err != nil {
				return nil, err
			}
			if op == "in" {
				conds = append(conds, sq.Eq{column: list})
			} else {
				conds = append(conds, sq.NotEq{column: list})
			}
		default:
			return nil, fmt.Errorf("unsupported filter operator %q on %s.%s", op, rel.Name(), field)
		}
	}
	return conds, nil
}

func listOperand(rel catalog.Relation, field, op string, operand any) ([]any, error) {
	v := reflect.ValueOf(operand)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return nil, fmt.Errorf("operator %q on %s.%s requires a list", op, rel.Name(), field)
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, nil
}
