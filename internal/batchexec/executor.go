// Package batchexec runs planned relation fetches against a store, each
// exactly once and concurrently, isolating failures to the group that issued
// the failing query.
package batchexec

import (
	"context"
	"sync"

	"relbatch/internal/batch"
	"relbatch/internal/dbexec"
	"relbatch/internal/strategy"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight store queries when unset.
const DefaultConcurrency = 8

// Result holds the rows of every fetch of one plan, index-aligned with
// Plan.Fetches. Err is a *batch.StoreError when any fetch failed.
type Result struct {
	Plan *strategy.Plan
	Rows [][]batch.Row
	Err  error
}

// Executor runs plans against a store.
type Executor struct {
	store       dbexec.Store
	concurrency int
	tracer      trace.Tracer
}

// New creates an executor running at most concurrency queries at once.
func New(store dbexec.Store, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Executor{
		store:       store,
		concurrency: concurrency,
		tracer:      otel.Tracer("relbatch"),
	}
}

// Execute runs every query of every plan once. Plans that failed planning and
// fetches without SQL are skipped. Store failures are recorded on the owning
// result; only context cancellation fails the call, and then no results are
// returned.
func (e *Executor) Execute(ctx context.Context, plans []*strategy.Plan) ([]*Result, error) {
	results := make([]*Result, len(plans))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for pi, plan := range plans {
		result := &Result{Plan: plan, Rows: make([][]batch.Row, len(plan.Fetches))}
		results[pi] = result
		if plan.Err != nil {
			continue
		}

		for fi, fetch := range plan.Fetches {
			if fetch.Query.SQL == "" {
				continue
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				rows, err := e.run(ctx, plan, fetch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if result.Err == nil {
						result.Err = &batch.StoreError{Signature: plan.Group.Signature, Err: err}
					}
					return nil
				}
				result.Rows[fi] = rows
				return nil
			})
		}
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) run(ctx context.Context, plan *strategy.Plan, fetch strategy.Fetch) ([]batch.Row, error) {
	ctx, span := e.tracer.Start(ctx, "relbatch.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relbatch.relation", plan.Group.Relation()),
			attribute.String("relbatch.shape", string(fetch.Query.Shape)),
			attribute.Int("relbatch.parents", len(fetch.Parents)),
		),
	)
	defer span.End()

	rows, err := e.store.RunQuery(ctx, fetch.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("relbatch.rows", len(rows)))
	return rows, nil
}
