package gqlrequest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/printer"

	"relbatch/internal/batch"
)

const anonymousOperationName = "<anonymous>"

// printOperation prints op followed by every fragment it reaches, in name
// order, so formatting and fragment placement do not change the result.
func printOperation(op *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition) (string, error) {
	if op == nil {
		return "", fmt.Errorf("operation is nil")
	}

	reached := map[string]bool{}
	spreads(op.SelectionSet, fragments, reached)
	names := make([]string, 0, len(reached))
	for name := range reached {
		names = append(names, name)
	}
	slices.Sort(names)

	defs := []ast.Node{op}
	for _, name := range names {
		frag := fragments[name]
		if frag == nil {
			return "", fmt.Errorf("fragment %q not found", name)
		}
		defs = append(defs, frag)
	}

	switch out := printer.Print(ast.NewDocument(&ast.Document{Definitions: defs})).(type) {
	case string:
		return out, nil
	default:
		return "", fmt.Errorf("unexpected printer output %T", out)
	}
}

// spreads marks the fragment names reachable from set.
func spreads(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, reached map[string]bool) {
	if set == nil {
		return
	}
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			spreads(s.SelectionSet, fragments, reached)
		case *ast.InlineFragment:
			spreads(s.SelectionSet, fragments, reached)
		case *ast.FragmentSpread:
			name := spreadName(s)
			if name == "" || reached[name] {
				continue
			}
			reached[name] = true
			if frag := fragments[name]; frag != nil {
				spreads(frag.SelectionSet, fragments, reached)
			}
		}
	}
}

func effectiveOperationName(op *ast.OperationDefinition) string {
	if op == nil || op.Name == nil || op.Name.Value == "" {
		return anonymousOperationName
	}
	return op.Name.Value
}

// RequestSetHash identifies the relation requests a walk produces: the
// operation, where it was walked and for which parents, in order. Two runs
// with equal hashes plan the same batches.
func (d *Document) RequestSetHash(opts WalkOptions) string {
	parts := make([]string, 0, 4+len(opts.Parents))
	parts = append(parts, d.OperationHash, opts.Path, opts.ParentType, strconv.Itoa(len(opts.Parents)))
	for _, p := range opts.Parents {
		parts = append(parts, string(batch.ParentKeyOf(p)))
	}
	return framedHash(parts...)
}

// framedHash length-prefixes every part so ("ab","c") and ("a","bc") differ.
func framedHash(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(h, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
