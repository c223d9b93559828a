// Package batchkey partitions merged relation requests into signature groups.
// Each group becomes one batched fetch no matter how many aliases or
// selection variants contributed to it.
package batchkey

import (
	"fmt"
	"sort"

	"relbatch/internal/batch"
	"relbatch/internal/selection"
)

// Group collects every logical request that shares a signature.
type Group struct {
	Signature     batch.Signature
	ParentType    string
	RelationField string
	// Aliases lists the response names folded into the group, sorted.
	Aliases []string
	Filter  any
	OrderBy any
	// Parents holds each distinct parent once, in first-seen order.
	Parents    []any
	ParentKeys []batch.ParentKey
	// Fields is the union of the members' fields.
	Fields batch.FieldSet
	// Window is the largest window any member asked for.
	Window int
	// Members are indices into the merged request list.
	Members []int

	// Unbatchable groups carry a single member whose arguments have no
	// canonical form.
	Unbatchable  bool
	SignatureErr error

	seen map[batch.ParentKey]struct{}
}

// Relation returns the qualified relation name of the group.
func (g *Group) Relation() string {
	return g.Signature.Relation
}

func (g *Group) addParent(id any, key batch.ParentKey) {
	if _, ok := g.seen[key]; ok {
		return
	}
	g.seen[key] = struct{}{}
	g.Parents = append(g.Parents, id)
	g.ParentKeys = append(g.ParentKeys, key)
}

func (g *Group) addAlias(alias string) {
	i := sort.SearchStrings(g.Aliases, alias)
	if i < len(g.Aliases) && g.Aliases[i] == alias {
		return
	}
	g.Aliases = append(g.Aliases, "")
	copy(g.Aliases[i+1:], g.Aliases[i:])
	g.Aliases[i] = alias
}

// Plan groups merged requests by signature. Groups appear in the order their
// first member appears, so the same input always yields the same output.
func Plan(merged []*selection.Request) []*Group {
	groups := make([]*Group, 0)
	bySignature := make(map[batch.Signature]*Group)
	unbatchable := 0

	for i, req := range merged {
		if req.SignatureErr != nil {
			// The signature only needs to be unique within the load.
			sig := batch.Signature{
				Relation:  req.Relation,
				FilterKey: fmt.Sprintf("!unbatchable/%d", unbatchable),
			}
			unbatchable++
			g := newGroup(sig, req)
			g.Unbatchable = true
			g.SignatureErr = req.SignatureErr
			g.add(i, req)
			groups = append(groups, g)
			continue
		}

		sig := batch.Signature{Relation: req.Relation, FilterKey: req.FilterKey, OrderKey: req.OrderKey}
		g, ok := bySignature[sig]
		if !ok {
			g = newGroup(sig, req)
			bySignature[sig] = g
			groups = append(groups, g)
		}
		g.add(i, req)
	}
	return groups
}

func newGroup(sig batch.Signature, req *selection.Request) *Group {
	return &Group{
		Signature:     sig,
		ParentType:    req.Identity.ParentType,
		RelationField: req.Identity.RelationField,
		Filter:        req.Filter,
		OrderBy:       req.OrderBy,
		seen:          make(map[batch.ParentKey]struct{}),
	}
}

func (g *Group) add(index int, req *selection.Request) {
	g.Members = append(g.Members, index)
	g.addAlias(req.Identity.Alias)
	g.addParent(req.ParentID, req.ParentKey)
	g.Fields = g.Fields.Union(req.Fields)
	if req.First > g.Window {
		g.Window = req.First
	}
}
