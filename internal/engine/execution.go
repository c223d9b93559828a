package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relbatch/internal/batch"
	"relbatch/internal/batchexec"
	"relbatch/internal/batchkey"
	"relbatch/internal/demux"
	"relbatch/internal/logging"
	"relbatch/internal/observability"
	"relbatch/internal/planner"
	"relbatch/internal/selection"
	"relbatch/internal/strategy"
)

// Explain is the planning outcome for one request list.
type Explain struct {
	Merged *selection.Result
	Groups []*batchkey.Group
	// Plans is index-aligned with Groups.
	Plans []*strategy.Plan
}

// QueryCount returns the number of store queries the plans would issue.
func (x *Explain) QueryCount() int {
	n := 0
	for _, p := range x.Plans {
		if p.Err == nil {
			n += p.QueryCount()
		}
	}
	return n
}

// Execution is the per-graph-query context. It owns the rows fetched so far,
// so later waves of the same query reuse them. Calls are serialized.
type Execution struct {
	mu       sync.Mutex
	id       string
	engine   *Engine
	logger   *logging.Logger
	metrics  *observability.BatchMetrics
	cache    *batch.Cache
	selector *strategy.Selector
}

// ID returns the execution ID attached to logs and spans.
func (x *Execution) ID() string {
	return x.id
}

// CachedParents returns the number of (signature, parent) entries fetched so far.
func (x *Execution) CachedParents() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cache.Len()
}

// Plan returns the plans Load would run for reqs against the current cache.
// It issues no queries and does not change the execution.
func (x *Execution) Plan(reqs []batch.Request) (*Explain, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.plan(reqs)
}

func (x *Execution) plan(reqs []batch.Request) (*Explain, error) {
	merged := selection.Merge(x.withDefaults(reqs))
	groups := batchkey.Plan(merged.Requests)
	plans, err := x.selector.Select(groups, x.cache)
	if err != nil {
		return nil, err
	}
	return &Explain{Merged: merged, Groups: groups, Plans: plans}, nil
}

// withDefaults applies the default window before merging, since merged
// requests keep the largest window of their contributors.
func (x *Execution) withDefaults(reqs []batch.Request) []batch.Request {
	out := make([]batch.Request, len(reqs))
	copy(out, reqs)
	for i := range out {
		if out[i].First <= 0 {
			out[i].First = x.engine.batch.DefaultWindow
		}
	}
	return out
}

// Load resolves reqs and returns one slot per request, in input order.
// Requests merged into the same logical request share rows. Failures local
// to one signature group are reported on that group's slots; a planning
// defect or cancellation fails the whole call and returns no slots.
func (x *Execution) Load(ctx context.Context, reqs []batch.Request) ([]*batch.ResultSlot, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	start := time.Now()
	ctx = logging.WithExecutionIDContext(logging.WithLogger(ctx, x.logger), x.id)
	ctx, span := startEngineSpan(ctx, "relbatch.load",
		attribute.String("relbatch.execution_id", x.id),
		attribute.Int("relbatch.requests", len(reqs)),
	)
	slots, failed, err := x.load(ctx, reqs)
	finishEngineSpan(span, err, "")
	x.metrics.RecordLoad(ctx, time.Since(start), err != nil || failed)
	return slots, err
}

func (x *Execution) load(ctx context.Context, reqs []batch.Request) ([]*batch.ResultSlot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(reqs) == 0 {
		return []*batch.ResultSlot{}, false, nil
	}

	explain, err := x.plan(reqs)
	if err != nil {
		var defect *batch.PlanningDefect
		if errors.As(err, &defect) {
			x.logger.Error("relation batch planning defect",
				slog.String("relation", defect.Relation),
				slog.Any("aliases", defect.Aliases),
				slog.Int("keys", defect.Keys),
				slog.Int("limit", defect.Limit),
			)
			x.metrics.RecordPlanningDefect(ctx, defect.Relation)
		}
		return nil, false, err
	}
	x.metrics.RecordDivergentMerges(ctx, int64(explain.Merged.DivergentCount()))
	x.logger.Debug("planned relation batches",
		slog.Int("requests", len(reqs)),
		slog.Int("logical_requests", len(explain.Merged.Requests)),
		slog.Int("groups", len(explain.Groups)),
		slog.Int("queries", explain.QueryCount()),
	)

	results, err := x.engine.executor.Execute(ctx, explain.Plans)
	if err != nil {
		return nil, false, err
	}

	failed := false
	groupErrs := make([]error, len(explain.Groups))
	for i, res := range results {
		groupErrs[i] = x.route(ctx, explain.Merged, res)
		if groupErrs[i] != nil {
			failed = true
		}
	}

	logical := demux.Fill(explain.Merged, explain.Groups, groupErrs, x.cache)
	return expand(reqs, explain.Merged, logical), failed, nil
}

func (x *Execution) route(ctx context.Context, merged *selection.Result, res *batchexec.Result) error {
	plan := res.Plan
	g := plan.Group
	ctx, span := startEngineSpan(ctx, "relbatch.group",
		attribute.String("relbatch.relation", g.Relation()),
		attribute.String("relbatch.strategy", string(plan.Strategy)),
		attribute.StringSlice("relbatch.aliases", g.Aliases),
		attribute.Int("relbatch.parents", len(g.Parents)),
		attribute.Int("relbatch.queries", plan.QueryCount()),
		attribute.Int("relbatch.window", plan.Window),
	)

	err := demux.Route(x.cache, res)
	x.recordGroup(ctx, merged, res)
	if err != nil {
		x.logger.Error("relation group failed",
			slog.String("relation", g.Relation()),
			slog.Any("aliases", g.Aliases),
			slog.String("error", err.Error()),
		)
	}
	finishEngineSpan(span, err, "")
	return err
}

func (x *Execution) recordGroup(ctx context.Context, merged *selection.Result, res *batchexec.Result) {
	if x.metrics == nil {
		return
	}
	plan := res.Plan
	relation := plan.Group.Relation()

	strategyName := string(plan.Strategy)
	if plan.Err != nil {
		strategyName = "failed"
	}
	x.metrics.RecordGroup(ctx, relation, strategyName)
	if plan.Strategy == strategy.StrategyUnbatched {
		x.metrics.RecordBatchSkipped(ctx, relation, "signature")
	}
	if plan.Err != nil {
		return
	}

	var misses int64
	for fi, fetch := range plan.Fetches {
		if fetch.Query.SQL == "" {
			continue
		}
		var rows int64
		if res.Err == nil {
			rows = int64(len(res.Rows[fi]))
		}
		x.metrics.RecordQuery(ctx, relation, string(fetch.Shape), int64(len(fetch.Parents)), rows)
		switch fetch.Shape {
		case planner.ShapeWindowed:
			misses += int64(len(fetch.Parents))
		case planner.ShapeReconcile:
			x.metrics.RecordReconcileKeys(ctx, relation, int64(reconcileKeyCount(plan, fetch)))
		}
	}
	x.metrics.RecordCacheMisses(ctx, relation, misses)
	x.metrics.RecordCacheHits(ctx, relation, int64(len(plan.Group.Parents))-misses)

	var occurrences int
	for _, m := range plan.Group.Members {
		occurrences += len(merged.Requests[m].Sources)
	}
	if saved := occurrences - plan.QueryCount(); saved > 0 {
		x.metrics.RecordQueriesSaved(ctx, relation, int64(saved))
	}
}

func reconcileKeyCount(plan *strategy.Plan, fetch strategy.Fetch) int {
	width := len(plan.Relation.KeyFields) + 1
	return len(fetch.Query.Args) / width
}

// expand maps logical slots back onto the input requests. Each input gets
// its own slot carrying its own parent ID.
func expand(reqs []batch.Request, merged *selection.Result, logical []*batch.ResultSlot) []*batch.ResultSlot {
	out := make([]*batch.ResultSlot, len(reqs))
	for i := range reqs {
		s := logical[merged.BySource[i]]
		out[i] = &batch.ResultSlot{
			Identity: s.Identity,
			ParentID: reqs[i].ParentID,
			Fields:   s.Fields,
			Rows:     s.Rows,
			Err:      s.Err,
		}
	}
	return out
}
