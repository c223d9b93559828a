package gqlrequest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/graphql-go/graphql/language/ast"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
)

// WalkOptions locates the parent objects whose relation fields are collected.
type WalkOptions struct {
	// Path is the dotted response path from the operation root to the parent
	// objects, for example "properties.edges.node". Empty means the root.
	Path       string
	ParentType string
	Parents    []any
}

// Walker turns document selections into relation requests.
type Walker struct {
	catalog *catalog.Catalog
}

// NewWalker creates a walker that recognizes the relations of cat.
func NewWalker(cat *catalog.Catalog) *Walker {
	return &Walker{catalog: cat}
}

type occurrence struct {
	alias  string
	field  string
	fields batch.FieldSet
	filter any
	order  any
	first  int
}

// Walk returns one request per relation field occurrence and parent,
// parent-major in document order. Each fragment that selects a relation
// contributes its own occurrence; merging them is the engine's job.
func (w *Walker) Walk(doc *Document, opts WalkOptions) ([]batch.Request, error) {
	if doc == nil || doc.Operation == nil {
		return nil, fmt.Errorf("document has no operation")
	}
	if opts.ParentType == "" {
		return nil, fmt.Errorf("parent type is required")
	}

	sets, err := w.navigate(doc, opts.Path)
	if err != nil {
		return nil, err
	}

	var occurrences []occurrence
	for _, set := range sets {
		fields, err := collectFields(doc, set, opts.ParentType, true)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			name := f.Name.Value
			if !w.catalog.Has(opts.ParentType, name) {
				continue
			}
			occ, err := buildOccurrence(doc, opts.ParentType, f)
			if err != nil {
				return nil, err
			}
			occurrences = append(occurrences, occ)
		}
	}

	reqs := make([]batch.Request, 0, len(occurrences)*len(opts.Parents))
	for _, parent := range opts.Parents {
		for _, occ := range occurrences {
			reqs = append(reqs, batch.Request{
				ParentType:    opts.ParentType,
				ParentID:      parent,
				RelationField: occ.field,
				Alias:         occ.alias,
				Fields:        occ.fields,
				Filter:        occ.filter,
				OrderBy:       occ.order,
				First:         occ.first,
			})
		}
	}
	return reqs, nil
}

// navigate follows path by response name. Every field matching a segment
// contributes its selection set, so fields split across fragments are
// followed together.
func (w *Walker) navigate(doc *Document, path string) ([]*ast.SelectionSet, error) {
	sets := []*ast.SelectionSet{doc.Operation.SelectionSet}
	if strings.TrimSpace(path) == "" {
		return sets, nil
	}
	for _, segment := range strings.Split(path, ".") {
		segment = strings.TrimSpace(segment)
		var next []*ast.SelectionSet
		for _, set := range sets {
			fields, err := collectFields(doc, set, "", false)
			if err != nil {
				return nil, err
			}
			for _, f := range fields {
				if responseName(f) == segment && f.SelectionSet != nil {
					next = append(next, f.SelectionSet)
				}
			}
		}
		if len(next) == 0 {
			return nil, fmt.Errorf("path segment %q not found in operation %s", segment, doc.OperationName)
		}
		sets = next
	}
	return sets, nil
}

// collectFields flattens a selection set into fields, expanding fragments and
// dropping skipped selections. With checkType set, fragments whose type
// condition names another type are ignored.
func collectFields(doc *Document, set *ast.SelectionSet, parentType string, checkType bool) ([]*ast.Field, error) {
	var out []*ast.Field
	inFlight := map[string]bool{}

	var visit func(set *ast.SelectionSet) error
	visit = func(set *ast.SelectionSet) error {
		if set == nil {
			return nil
		}
		for _, selection := range set.Selections {
			switch sel := selection.(type) {
			case *ast.Field:
				if sel.Name == nil {
					continue
				}
				ok, err := included(sel.Directives, doc.Variables)
				if err != nil {
					return err
				}
				if ok {
					out = append(out, sel)
				}
			case *ast.InlineFragment:
				ok, err := included(sel.Directives, doc.Variables)
				if err != nil {
					return err
				}
				if !ok || (checkType && !typeMatches(sel.TypeCondition, parentType)) {
					continue
				}
				if err := visit(sel.SelectionSet); err != nil {
					return err
				}
			case *ast.FragmentSpread:
				name := spreadName(sel)
				if name == "" || inFlight[name] {
					continue
				}
				ok, err := included(sel.Directives, doc.Variables)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fragment, found := doc.Fragments[name]
				if !found || fragment == nil {
					return fmt.Errorf("fragment %q not found", name)
				}
				if checkType && !typeMatches(fragment.TypeCondition, parentType) {
					continue
				}
				inFlight[name] = true
				err = visit(fragment.SelectionSet)
				delete(inFlight, name)
				if err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := visit(set); err != nil {
		return nil, err
	}
	return out, nil
}

func typeMatches(cond *ast.Named, parentType string) bool {
	if cond == nil || cond.Name == nil {
		return true
	}
	return cond.Name.Value == parentType
}

func responseName(f *ast.Field) string {
	if f.Alias != nil && f.Alias.Value != "" {
		return f.Alias.Value
	}
	return f.Name.Value
}

func buildOccurrence(doc *Document, parentType string, f *ast.Field) (occurrence, error) {
	occ := occurrence{alias: responseName(f), field: f.Name.Value}
	relation := batch.RelationName(parentType, occ.field)

	for _, arg := range f.Arguments {
		if arg == nil || arg.Name == nil {
			continue
		}
		value := valueFromAST(arg.Value, doc.Variables)
		switch arg.Name.Value {
		case "filter", "where":
			if value == nil {
				continue
			}
			m, ok := value.(map[string]any)
			if !ok {
				return occ, fmt.Errorf("%s: %s must be an object, got %T", relation, arg.Name.Value, value)
			}
			occ.filter = m
		case "orderBy", "order_by":
			occ.order = value
		case "first", "limit":
			first, err := windowValue(value)
			if err != nil {
				return occ, fmt.Errorf("%s: %s: %w", relation, arg.Name.Value, err)
			}
			occ.first = first
		default:
			return occ, fmt.Errorf("%s: unsupported argument %q", relation, arg.Name.Value)
		}
	}

	fields, err := requestedFields(doc, f)
	if err != nil {
		return occ, err
	}
	occ.fields = fields
	return occ, nil
}

// windowValue reads first/limit. A missing or null value means the default
// window; an explicit window must be at least 1, since 0 cannot be told apart
// from "unset" once it reaches the engine.
func windowValue(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		if n < 1 || n > math.MaxInt32 {
			return 0, fmt.Errorf("window %d must be between 1 and %d", n, math.MaxInt32)
		}
		return int(n), nil
	case float64:
		if n < 1 || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, fmt.Errorf("window %v must be a positive integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("window must be an integer, got %T", v)
	}
}

// requestedFields returns the scalar fields selected on the related rows.
// Connection selections are unwrapped through edges.node and nodes; nested
// object selections belong to deeper relations and are not included.
func requestedFields(doc *Document, f *ast.Field) (batch.FieldSet, error) {
	top, err := collectFields(doc, f.SelectionSet, "", false)
	if err != nil {
		return nil, err
	}

	var rowFields []*ast.Field
	connection := false
	for _, sub := range top {
		switch sub.Name.Value {
		case "edges":
			connection = true
			edges, err := collectFields(doc, sub.SelectionSet, "", false)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if edge.Name.Value != "node" {
					continue
				}
				nodes, err := collectFields(doc, edge.SelectionSet, "", false)
				if err != nil {
					return nil, err
				}
				rowFields = append(rowFields, nodes...)
			}
		case "nodes":
			connection = true
			nodes, err := collectFields(doc, sub.SelectionSet, "", false)
			if err != nil {
				return nil, err
			}
			rowFields = append(rowFields, nodes...)
		case "pageInfo", "totalCount":
			connection = true
		}
	}
	if !connection {
		rowFields = top
	}

	names := make([]string, 0, len(rowFields))
	for _, rf := range rowFields {
		if rf.SelectionSet != nil || rf.Name.Value == "__typename" {
			continue
		}
		names = append(names, rf.Name.Value)
	}
	return batch.NewFieldSet(names...), nil
}

// included evaluates @skip and @include.
func included(directives []*ast.Directive, vars map[string]any) (bool, error) {
	for _, d := range directives {
		if d == nil || d.Name == nil {
			continue
		}
		name := d.Name.Value
		if name != "skip" && name != "include" {
			continue
		}
		var cond any
		for _, arg := range d.Arguments {
			if arg != nil && arg.Name != nil && arg.Name.Value == "if" {
				cond = valueFromAST(arg.Value, vars)
			}
		}
		b, ok := cond.(bool)
		if !ok {
			return false, fmt.Errorf("@%s requires a boolean if argument", name)
		}
		if (name == "skip" && b) || (name == "include" && !b) {
			return false, nil
		}
	}
	return true, nil
}

// valueFromAST converts a literal into the plain Go values the filter and
// order compilers accept. Enums become their names.
func valueFromAST(value ast.Value, vars map[string]any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case *ast.Variable:
		if v.Name == nil {
			return nil
		}
		return vars[v.Name.Value]
	case *ast.IntValue:
		if i, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	case *ast.FloatValue:
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.ListValue:
		out := make([]any, 0, len(v.Values))
		for _, item := range v.Values {
			out = append(out, valueFromAST(item, vars))
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, field := range v.Fields {
			if field == nil || field.Name == nil {
				continue
			}
			out[field.Name.Value] = valueFromAST(field.Value, vars)
		}
		return out
	default:
		return value.GetValue()
	}
}
