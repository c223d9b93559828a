package planner

import (
	"fmt"
	"sort"
	"strings"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
	"relbatch/internal/sqlutil"
)

// CompileOrder converts an order argument into order terms for rel. Accepted
// forms: nil (relation default), "field" or "-field", {field: "asc"|"desc"},
// a list of those, or []batch.OrderTerm. Key fields not already ordered are
// appended ascending so ranks are deterministic.
func CompileOrder(rel catalog.Relation, order any) ([]batch.OrderTerm, error) {
	terms, err := orderTerms(rel, order)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		terms = append(terms, rel.DefaultOrder...)
	}

	seen := make(map[string]struct{}, len(terms)+len(rel.KeyFields))
	out := make([]batch.OrderTerm, 0, len(terms)+len(rel.KeyFields))
	for _, term := range terms {
		if _, dup := seen[term.Field]; dup {
			continue
		}
		seen[term.Field] = struct{}{}
		out = append(out, term)
	}
	for _, f := range rel.KeyFields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, batch.OrderTerm{Field: f})
	}
	return out, nil
}

func orderTerms(rel catalog.Relation, order any) ([]batch.OrderTerm, error) {
	switch o := order.(type) {
	case nil:
		return nil, nil
	case []batch.OrderTerm:
		return append([]batch.OrderTerm(nil), o...), nil
	case batch.OrderTerm:
		return []batch.OrderTerm{o}, nil
	case string:
		term, err := parseOrderString(rel, o)
		if err != nil {
			return nil, err
		}
		return []batch.OrderTerm{term}, nil
	case map[string]any:
		keys := make([]string, 0, len(o))
		for k := range o {
			keys = append(keys, k)
		}
		if len(keys) > 1 {
			// Map iteration has no order; multi-column ordering must use a list.
			sort.Strings(keys)
			return nil, fmt.Errorf("order on %s must list one field per object, got %s", rel.Name(), strings.Join(keys, ", "))
		}
		terms := make([]batch.OrderTerm, 0, 1)
		for _, field := range keys {
			desc, err := parseDirection(rel, field, o[field])
			if err != nil {
				return nil, err
			}
			terms = append(terms, batch.OrderTerm{Field: field, Desc: desc})
		}
		return terms, nil
	case []any:
		var terms []batch.OrderTerm
		for _, item := range o {
			nested, err := orderTerms(rel, item)
			if err != nil {
				return nil, err
			}
			terms = append(terms, nested...)
		}
		return terms, nil
	case []string:
		terms := make([]batch.OrderTerm, 0, len(o))
		for _, s := range o {
			term, err := parseOrderString(rel, s)
			if err != nil {
				return nil, err
			}
			terms = append(terms, term)
		}
		return terms, nil
	default:
		return nil, fmt.Errorf("unsupported order type %T for %s", order, rel.Name())
	}
}

func parseOrderString(rel catalog.Relation, s string) (batch.OrderTerm, error) {
	s = strings.TrimSpace(s)
	desc := strings.HasPrefix(s, "-")
	field := strings.TrimPrefix(s, "-")
	if field == "" {
		return batch.OrderTerm{}, fmt.Errorf("empty order field on %s", rel.Name())
	}
	return batch.OrderTerm{Field: field, Desc: desc}, nil
}

func parseDirection(rel catalog.Relation, field string, dir any) (bool, error) {
	s, ok := dir.(string)
	if !ok {
		return false, fmt.Errorf("order direction for %s.%s must be a string", rel.Name(), field)
	}
	switch strings.ToUpper(s) {
	case "ASC":
		return false, nil
	case "DESC":
		return true, nil
	default:
		return false, fmt.Errorf("invalid order direction %q for %s.%s", s, rel.Name(), field)
	}
}

func orderClauses(rel catalog.Relation, order []batch.OrderTerm) []string {
	clauses := make([]string, len(order))
	for i, term := range order {
		direction := "ASC"
		if term.Desc {
			direction = "DESC"
		}
		clauses[i] = fmt.Sprintf("%s %s", sqlutil.QuoteIdentifier(rel.Column(term.Field)), direction)
	}
	return clauses
}
