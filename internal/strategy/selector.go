// Package strategy decides how each signature group is fetched: a windowed
// query per chunk of parents, a composite-key reconciliation of rows already
// fetched in this execution, or per-parent queries for groups without a
// signature.
package strategy

import (
	"errors"
	"log/slog"

	"relbatch/internal/batch"
	"relbatch/internal/batchkey"
	"relbatch/internal/catalog"
	"relbatch/internal/logging"
	"relbatch/internal/planner"
)

// Strategy names how a group is served.
type Strategy string

const (
	// StrategyCached serves every parent from rows fetched earlier.
	StrategyCached Strategy = "cached"
	// StrategyWindowed fetches up to N rows per parent in one query per chunk.
	StrategyWindowed Strategy = "windowed"
	// StrategyReconcile fetches missing fields of cached rows by composite key.
	StrategyReconcile Strategy = "reconcile"
	// StrategyUnbatched issues one windowed query per parent.
	StrategyUnbatched Strategy = "unbatched"
)

const (
	// DefaultMaxParentsPerQuery bounds the parent IN list of one query.
	DefaultMaxParentsPerQuery = 1000
	// DefaultReconcileMaxKeys bounds the composite keys of one reconciliation.
	DefaultReconcileMaxKeys = 32
)

// Options bound the queries the selector emits.
type Options struct {
	MaxParentsPerQuery int
	// ReconcileMaxKeys is the largest composite key list a reconciliation may
	// carry. Zero disables reconciliation of non-empty row sets.
	ReconcileMaxKeys int
	// MaxWindow caps every per-parent window; zero means no global cap.
	MaxWindow int
}

// Fetch is one store query and the parents whose rows it returns.
type Fetch struct {
	Shape      planner.Shape
	Query      planner.Query
	Parents    []any
	ParentKeys []batch.ParentKey
	// Fields lists the fields the query populates.
	Fields batch.FieldSet
	// Window is the per-parent limit of a windowed query.
	Window int
}

// Plan is the fetch plan of one signature group.
type Plan struct {
	Group    *batchkey.Group
	Relation catalog.Relation
	Strategy Strategy
	Fetches  []Fetch
	// Window is the effective per-parent window after caps.
	Window int
	// Err is set when the group cannot be planned; it fails only this group.
	Err error
}

// QueryCount returns the number of store queries the plan issues.
func (p *Plan) QueryCount() int {
	n := 0
	for _, f := range p.Fetches {
		if f.Query.SQL != "" {
			n++
		}
	}
	return n
}

// Selector picks a strategy per group against the execution cache.
type Selector struct {
	catalog *catalog.Catalog
	opts    Options
	logger  *logging.Logger
}

// NewSelector returns a selector, applying defaults for unset bounds.
func NewSelector(cat *catalog.Catalog, opts Options, logger *logging.Logger) *Selector {
	if opts.MaxParentsPerQuery <= 0 {
		opts.MaxParentsPerQuery = DefaultMaxParentsPerQuery
	}
	if opts.ReconcileMaxKeys < 0 {
		opts.ReconcileMaxKeys = DefaultReconcileMaxKeys
	}
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}
	return &Selector{catalog: cat, opts: opts, logger: logger}
}

// Select plans every group. A nil cache is treated as empty. The only error
// returned is a *batch.PlanningDefect, which fails the whole load.
func (s *Selector) Select(groups []*batchkey.Group, cache *batch.Cache) ([]*Plan, error) {
	plans := make([]*Plan, 0, len(groups))
	for _, g := range groups {
		plan, err := s.selectGroup(g, cache)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (s *Selector) selectGroup(g *batchkey.Group, cache *batch.Cache) (*Plan, error) {
	plan := &Plan{Group: g}

	rel, err := s.catalog.Lookup(g.ParentType, g.RelationField)
	if err != nil {
		plan.Err = err
		return plan, nil
	}
	plan.Relation = rel
	plan.Window = s.capWindow(rel, g.Window)

	filter, err := planner.CompileFilter(rel, g.Filter)
	if err != nil {
		plan.Err = err
		return plan, nil
	}
	order, err := planner.CompileOrder(rel, g.OrderBy)
	if err != nil {
		plan.Err = err
		return plan, nil
	}
	fields := planner.FetchFields(rel, g.Fields, order)

	if g.Unbatchable {
		plan.Strategy = StrategyUnbatched
		s.logger.Warn("relation arguments have no canonical form, fetching per parent",
			slog.String("relation", g.Relation()),
			slog.Any("aliases", g.Aliases),
			slog.Int("parents", len(g.Parents)),
			slog.String("reason", g.SignatureErr.Error()),
		)
		for i, parent := range g.Parents {
			q, err := planner.PlanWindowed(rel, g.Fields, []any{parent}, plan.Window, filter, order)
			if err != nil {
				plan.Err = err
				return plan, nil
			}
			plan.Fetches = append(plan.Fetches, Fetch{
				Shape:      planner.ShapeWindowed,
				Query:      q,
				Parents:    []any{parent},
				ParentKeys: []batch.ParentKey{g.ParentKeys[i]},
				Fields:     fields,
				Window:     plan.Window,
			})
		}
		return plan, nil
	}

	var fresh, reconcile []int
	var missing batch.FieldSet
	refetchFields := fields
	for i, key := range g.ParentKeys {
		entry, ok := lookup(cache, g.Signature, key)
		switch {
		case !ok:
			fresh = append(fresh, i)
		case !entry.WindowCovers(plan.Window):
			// A refetch replaces the entry, so it keeps every field already cached.
			fresh = append(fresh, i)
			refetchFields = refetchFields.Union(entry.Fields)
		case !entry.Fields.Covers(fields):
			reconcile = append(reconcile, i)
			missing = missing.Union(entry.Fields.Missing(fields))
		}
	}

	for start := 0; start < len(fresh); start += s.opts.MaxParentsPerQuery {
		end := min(start+s.opts.MaxParentsPerQuery, len(fresh))
		fetch := Fetch{Shape: planner.ShapeWindowed, Fields: refetchFields, Window: plan.Window}
		for _, i := range fresh[start:end] {
			fetch.Parents = append(fetch.Parents, g.Parents[i])
			fetch.ParentKeys = append(fetch.ParentKeys, g.ParentKeys[i])
		}
		q, err := planner.PlanWindowed(rel, refetchFields, fetch.Parents, plan.Window, filter, order)
		if err != nil {
			plan.Err = err
			return plan, nil
		}
		fetch.Query = q
		plan.Fetches = append(plan.Fetches, fetch)
	}

	if len(reconcile) > 0 {
		fetch, err := s.planReconcile(g, rel, cache, reconcile, missing)
		var defect *batch.PlanningDefect
		if errors.As(err, &defect) {
			return nil, err
		}
		if err != nil {
			plan.Err = err
			return plan, nil
		}
		plan.Fetches = append(plan.Fetches, fetch)
	}

	switch {
	case len(reconcile) > 0:
		plan.Strategy = StrategyReconcile
	case len(fresh) > 0:
		plan.Strategy = StrategyWindowed
	default:
		plan.Strategy = StrategyCached
	}
	return plan, nil
}

func (s *Selector) planReconcile(
	g *batchkey.Group,
	rel catalog.Relation,
	cache *batch.Cache,
	parents []int,
	missing batch.FieldSet,
) (Fetch, error) {
	fetch := Fetch{
		Shape:  planner.ShapeReconcile,
		Fields: missing.Union(batch.NewFieldSet(rel.KeyFields...)),
	}
	var keys []planner.Tuple
	for _, i := range parents {
		entry, _ := lookup(cache, g.Signature, g.ParentKeys[i])
		fetch.Parents = append(fetch.Parents, g.Parents[i])
		fetch.ParentKeys = append(fetch.ParentKeys, g.ParentKeys[i])
		for _, row := range entry.Rows {
			values := make([]any, 0, len(rel.KeyFields)+1)
			values = append(values, entry.ParentID)
			for _, f := range rel.KeyFields {
				values = append(values, row[f])
			}
			keys = append(keys, planner.Tuple{Values: values})
		}
	}

	if len(keys) > s.opts.ReconcileMaxKeys {
		return Fetch{}, &batch.PlanningDefect{
			Relation: g.Relation(),
			Aliases:  g.Aliases,
			Keys:     len(keys),
			Limit:    s.opts.ReconcileMaxKeys,
		}
	}

	q, err := planner.PlanReconcile(rel, missing, keys)
	if err != nil {
		return Fetch{}, err
	}
	fetch.Query = q
	if len(keys) > 0 {
		s.logger.Warn("reconciling cached rows by composite key",
			slog.String("relation", g.Relation()),
			slog.Any("aliases", g.Aliases),
			slog.Int("keys", len(keys)),
			slog.String("fields", missing.Key()),
		)
	}
	return fetch, nil
}

func (s *Selector) capWindow(rel catalog.Relation, window int) int {
	if rel.MaxWindow > 0 && window > rel.MaxWindow {
		window = rel.MaxWindow
	}
	if s.opts.MaxWindow > 0 && window > s.opts.MaxWindow {
		window = s.opts.MaxWindow
	}
	if window < 1 {
		window = 1
	}
	return window
}

func lookup(cache *batch.Cache, sig batch.Signature, key batch.ParentKey) (*batch.CacheEntry, bool) {
	if cache == nil {
		return nil, false
	}
	return cache.Get(sig, key)
}
