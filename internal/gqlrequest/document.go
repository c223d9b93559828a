// Package gqlrequest parses GraphQL documents and turns the relation fields at
// one level of the request tree into batch requests.
package gqlrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// Envelope is the raw input of one graph query.
type Envelope struct {
	Query         string
	OperationName string
	VariablesRaw  json.RawMessage
}

// Document is a parsed document with its selected operation.
type Document struct {
	AST       *ast.Document
	Fragments map[string]*ast.FragmentDefinition
	Operation *ast.OperationDefinition
	Variables map[string]any

	OperationName string
	OperationType string

	FieldCount     int
	SelectionDepth int

	CanonicalOperation string
	OperationHash      string
}

// Parse parses env.Query, selects the operation and decodes the variables.
func Parse(env Envelope) (*Document, error) {
	if strings.TrimSpace(env.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(env.Query),
			Name: "graphql",
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}

	d := &Document{
		AST:       doc,
		Fragments: buildFragmentMap(doc),
	}
	op, err := selectOperation(doc, env.OperationName)
	if err != nil {
		return nil, err
	}
	d.Operation = op
	d.OperationName = effectiveOperationName(op)
	d.OperationType = string(op.Operation)

	vars, err := decodeVariables(env.VariablesRaw)
	if err != nil {
		return nil, err
	}
	d.Variables = applyVariableDefaults(op, vars)

	d.FieldCount, d.SelectionDepth = countFieldsAndDepth(op.SelectionSet, d.Fragments, 1, map[string]bool{}, map[string]bool{})

	printed, err := printOperation(op, d.Fragments)
	if err != nil {
		return nil, err
	}
	d.CanonicalOperation = printed
	d.OperationHash = framedHash(printed, d.OperationName)
	return d, nil
}

func buildFragmentMap(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := map[string]*ast.FragmentDefinition{}
	if doc == nil {
		return fragments
	}
	for _, def := range doc.Definitions {
		fragment, ok := def.(*ast.FragmentDefinition)
		if !ok || fragment == nil || fragment.Name == nil || fragment.Name.Value == "" {
			continue
		}
		fragments[fragment.Name.Value] = fragment
	}
	return fragments
}

func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}

	operations := make([]*ast.OperationDefinition, 0)
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if ok && op != nil {
			operations = append(operations, op)
		}
	}

	if operationName != "" {
		for _, op := range operations {
			if op.Name != nil && op.Name.Value == operationName {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", operationName)
	}

	if len(operations) == 1 {
		return operations[0], nil
	}
	if len(operations) == 0 {
		return nil, fmt.Errorf("document does not include an operation")
	}
	return nil, fmt.Errorf("operation name is required when the document has multiple operations")
}

// decodeVariables keeps integral JSON numbers as int64 so they encode the
// same as integer literals written inline.
func decodeVariables(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var vars map[string]any
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = normalizeJSON(v)
	}
	return out, nil
}

func normalizeJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeJSON(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeJSON(item)
		}
		return val
	default:
		return v
	}
}

func applyVariableDefaults(op *ast.OperationDefinition, vars map[string]any) map[string]any {
	for _, def := range op.VariableDefinitions {
		if def == nil || def.Variable == nil || def.Variable.Name == nil || def.DefaultValue == nil {
			continue
		}
		name := def.Variable.Name.Value
		if _, ok := vars[name]; ok {
			continue
		}
		vars[name] = valueFromAST(def.DefaultValue, nil)
	}
	return vars
}

func countFieldsAndDepth(selectionSet *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, currentDepth int, visited, inFlight map[string]bool) (fields, maxDepth int) {
	if selectionSet == nil {
		return 0, currentDepth - 1
	}

	maxDepth = currentDepth
	for _, selection := range selectionSet.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fields++
			if sel.SelectionSet != nil {
				nestedFields, nestedDepth := countFieldsAndDepth(sel.SelectionSet, fragments, currentDepth+1, visited, inFlight)
				fields += nestedFields
				maxDepth = max(maxDepth, nestedDepth)
			}
		case *ast.InlineFragment:
			nestedFields, nestedDepth := countFieldsAndDepth(sel.SelectionSet, fragments, currentDepth, visited, inFlight)
			fields += nestedFields
			maxDepth = max(maxDepth, nestedDepth)
		case *ast.FragmentSpread:
			name := spreadName(sel)
			if name == "" || inFlight[name] || visited[name] {
				continue
			}
			inFlight[name] = true
			visited[name] = true
			if fragment, ok := fragments[name]; ok && fragment != nil {
				nestedFields, nestedDepth := countFieldsAndDepth(fragment.SelectionSet, fragments, currentDepth, visited, inFlight)
				fields += nestedFields
				maxDepth = max(maxDepth, nestedDepth)
			}
			delete(inFlight, name)
		}
	}

	return fields, maxDepth
}

func spreadName(sel *ast.FragmentSpread) string {
	if sel == nil || sel.Name == nil {
		return ""
	}
	return sel.Name.Value
}
