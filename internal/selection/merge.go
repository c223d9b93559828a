// Package selection merges repeated relation field occurrences (sibling
// selections, fragment expansions) into one logical request per parent before
// any query is planned.
package selection

import (
	"sort"
	"strconv"

	"relbatch/internal/batch"
	"relbatch/internal/canonical"
)

// Request is one logical relation request: every occurrence of the same
// identity for the same parent with the same filter and order arguments.
type Request struct {
	Identity  batch.Identity
	Relation  string
	ParentID  any
	ParentKey batch.ParentKey
	// Fields is the union of the fields requested by every contributor.
	Fields batch.FieldSet
	// Divergent is set when contributors asked for different fields.
	Divergent bool
	Filter    any
	OrderBy   any
	FilterKey string
	OrderKey  string
	// SignatureErr is set when the filter or order has no canonical form. Such
	// requests are never merged with others.
	SignatureErr error
	// First is the largest window any contributor asked for.
	First int
	// Sources lists the indices of the contributing input requests.
	Sources []int
}

// Result is the outcome of merging one ordered request list.
type Result struct {
	// Requests holds logical requests in first-seen order.
	Requests []*Request
	// BySource maps each input index to its logical request index.
	BySource []int
}

// IdentitySummary is the merged view of one (parent type, relation, alias).
type IdentitySummary struct {
	Identity  batch.Identity
	Fields    batch.FieldSet
	Divergent bool
}

type mergeKey struct {
	identity  batch.Identity
	parent    batch.ParentKey
	filterKey string
	orderKey  string
	// isolate is non-empty for requests that must stay on their own.
	isolate string
}

// Merge collapses requests sharing identity, parent, filter and order. It is
// total: divergence is recorded, never rejected.
func Merge(reqs []batch.Request) *Result {
	result := &Result{
		Requests: make([]*Request, 0, len(reqs)),
		BySource: make([]int, len(reqs)),
	}
	index := make(map[mergeKey]int, len(reqs))

	for i, req := range reqs {
		filterKey, orderKey, sigErr := signatureKeys(req)
		key := mergeKey{
			identity:  req.Identity(),
			parent:    batch.ParentKeyOf(req.ParentID),
			filterKey: filterKey,
			orderKey:  orderKey,
		}
		if sigErr != nil {
			key.isolate = strconv.Itoa(i)
		}

		if pos, ok := index[key]; ok {
			merged := result.Requests[pos]
			if !merged.Fields.Equal(req.Fields) || merged.Divergent {
				merged.Divergent = true
			}
			merged.Fields = merged.Fields.Union(req.Fields)
			if req.First > merged.First {
				merged.First = req.First
			}
			merged.Sources = append(merged.Sources, i)
			result.BySource[i] = pos
			continue
		}

		index[key] = len(result.Requests)
		result.BySource[i] = len(result.Requests)
		result.Requests = append(result.Requests, &Request{
			Identity:     key.identity,
			Relation:     req.Relation(),
			ParentID:     req.ParentID,
			ParentKey:    key.parent,
			Fields:       batch.NewFieldSet(req.Fields...),
			Filter:       req.Filter,
			OrderBy:      req.OrderBy,
			FilterKey:    filterKey,
			OrderKey:     orderKey,
			SignatureErr: sigErr,
			First:        req.First,
			Sources:      []int{i},
		})
	}
	return result
}

// Identities summarizes the merged field set and divergence per identity,
// across all parents and argument variants, sorted by identity.
func (r *Result) Identities() []IdentitySummary {
	byIdentity := make(map[batch.Identity]*IdentitySummary)
	for _, req := range r.Requests {
		summary, ok := byIdentity[req.Identity]
		if !ok {
			byIdentity[req.Identity] = &IdentitySummary{
				Identity:  req.Identity,
				Fields:    req.Fields,
				Divergent: req.Divergent,
			}
			continue
		}
		if req.Divergent || !summary.Fields.Equal(req.Fields) {
			summary.Divergent = true
		}
		summary.Fields = summary.Fields.Union(req.Fields)
	}

	out := make([]IdentitySummary, 0, len(byIdentity))
	for _, s := range byIdentity {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out
}

// DivergentCount returns how many logical requests merged differing field sets.
func (r *Result) DivergentCount() int {
	n := 0
	for _, req := range r.Requests {
		if req.Divergent {
			n++
		}
	}
	return n
}

func signatureKeys(req batch.Request) (string, string, error) {
	filterKey, err := canonical.Encode(req.Filter)
	if err != nil {
		return "", "", &batch.SignatureError{Relation: req.Relation(), Alias: req.Identity().Alias, Err: err}
	}
	orderKey, err := canonical.Encode(req.OrderBy)
	if err != nil {
		return "", "", &batch.SignatureError{Relation: req.Relation(), Alias: req.Identity().Alias, Err: err}
	}
	return filterKey, orderKey, nil
}
