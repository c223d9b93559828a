package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BatchMetrics holds the instruments recorded by the batching engine.
type BatchMetrics struct {
	loadDuration     metric.Float64Histogram
	groupsPlanned    metric.Int64Counter
	queriesIssued    metric.Int64Counter
	queryParentCount metric.Int64Histogram
	queryResultRows  metric.Int64Histogram
	reconcileKeys    metric.Int64Histogram
	divergentMerges  metric.Int64Counter
	batchSkipped     metric.Int64Counter
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	queriesSaved     metric.Int64Counter
	planningDefects  metric.Int64Counter
}

// InitBatchMetrics creates the batching instruments on provider. A nil
// provider uses the global meter provider.
func InitBatchMetrics(provider metric.MeterProvider) (*BatchMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("relbatch")

	loadDuration, err := meter.Float64Histogram(
		"relbatch.load.duration",
		metric.WithDescription("Duration of one batched load in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load duration histogram: %w", err)
	}

	groupsPlanned, err := meter.Int64Counter(
		"relbatch.groups.planned",
		metric.WithDescription("Number of signature groups planned, by strategy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create groups planned counter: %w", err)
	}

	queriesIssued, err := meter.Int64Counter(
		"relbatch.queries.issued",
		metric.WithDescription("Number of store queries issued, by shape"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries issued counter: %w", err)
	}

	queryParentCount, err := meter.Int64Histogram(
		"relbatch.query.parent_count",
		metric.WithDescription("Number of parent keys included in a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query parent count histogram: %w", err)
	}

	queryResultRows, err := meter.Int64Histogram(
		"relbatch.query.result_rows",
		metric.WithDescription("Number of rows returned by a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query result rows histogram: %w", err)
	}

	reconcileKeys, err := meter.Int64Histogram(
		"relbatch.reconcile.keys",
		metric.WithDescription("Number of composite keys in a reconciliation query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile keys histogram: %w", err)
	}

	divergentMerges, err := meter.Int64Counter(
		"relbatch.merge.divergent",
		metric.WithDescription("Number of logical requests merged from differing field sets"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create divergent merges counter: %w", err)
	}

	batchSkipped, err := meter.Int64Counter(
		"relbatch.batch.skipped",
		metric.WithDescription("Number of groups fetched per parent instead of batched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch skipped counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"relbatch.cache.hits",
		metric.WithDescription("Number of parents served from rows fetched earlier in the execution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"relbatch.cache.misses",
		metric.WithDescription("Number of parents that needed a fetch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	queriesSaved, err := meter.Int64Counter(
		"relbatch.queries.saved",
		metric.WithDescription("Number of per-parent queries avoided by batching"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries saved counter: %w", err)
	}

	planningDefects, err := meter.Int64Counter(
		"relbatch.planning.defects",
		metric.WithDescription("Number of loads rejected for exceeding the reconciliation bound"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planning defects counter: %w", err)
	}

	return &BatchMetrics{
		loadDuration:     loadDuration,
		groupsPlanned:    groupsPlanned,
		queriesIssued:    queriesIssued,
		queryParentCount: queryParentCount,
		queryResultRows:  queryResultRows,
		reconcileKeys:    reconcileKeys,
		divergentMerges:  divergentMerges,
		batchSkipped:     batchSkipped,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		queriesSaved:     queriesSaved,
		planningDefects:  planningDefects,
	}, nil
}

// InitMetrics initializes the batching metrics on the global meter provider.
func InitMetrics(logger *slog.Logger) (*BatchMetrics, error) {
	metrics, err := InitBatchMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize batch metrics: %w", err)
	}

	logger.Info("batch metrics initialized")
	return metrics, nil
}

// RecordLoad records the duration and outcome of one load.
func (m *BatchMetrics) RecordLoad(ctx context.Context, duration time.Duration, hasErrors bool) {
	if m == nil {
		return
	}
	m.loadDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.Bool("has_errors", hasErrors),
	))
}

// RecordGroup counts one planned group under its strategy.
func (m *BatchMetrics) RecordGroup(ctx context.Context, relation, strategy string) {
	if m == nil {
		return
	}
	m.groupsPlanned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation", relation),
		attribute.String("strategy", strategy),
	))
}

// RecordQuery records one issued query with its parent and row counts.
func (m *BatchMetrics) RecordQuery(ctx context.Context, relation, shape string, parents, rows int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("relation", relation),
		attribute.String("shape", shape),
	)
	m.queriesIssued.Add(ctx, 1, attrs)
	m.queryParentCount.Record(ctx, parents, attrs)
	m.queryResultRows.Record(ctx, rows, attrs)
}

func (m *BatchMetrics) RecordReconcileKeys(ctx context.Context, relation string, keys int64) {
	if m == nil {
		return
	}
	m.reconcileKeys.Record(ctx, keys, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}

func (m *BatchMetrics) RecordDivergentMerges(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.divergentMerges.Add(ctx, count)
}

func (m *BatchMetrics) RecordBatchSkipped(ctx context.Context, relation, reason string) {
	if m == nil {
		return
	}
	m.batchSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation", relation),
		attribute.String("reason", reason),
	))
}

func (m *BatchMetrics) RecordCacheHits(ctx context.Context, relation string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.cacheHits.Add(ctx, count, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}

func (m *BatchMetrics) RecordCacheMisses(ctx context.Context, relation string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.cacheMisses.Add(ctx, count, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}

func (m *BatchMetrics) RecordQueriesSaved(ctx context.Context, relation string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.queriesSaved.Add(ctx, count, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}

func (m *BatchMetrics) RecordPlanningDefect(ctx context.Context, relation string) {
	if m == nil {
		return
	}
	m.planningDefects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}
