package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestBatchMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := InitBatchMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordLoad(ctx, 12*time.Millisecond, false)
	metrics.RecordGroup(ctx, "Property.metrics", "windowed")
	metrics.RecordQuery(ctx, "Property.metrics", "windowed", 10, 40)
	metrics.RecordReconcileKeys(ctx, "Property.metrics", 4)
	metrics.RecordDivergentMerges(ctx, 2)
	metrics.RecordDivergentMerges(ctx, 0)
	metrics.RecordBatchSkipped(ctx, "Property.metrics", "signature")
	metrics.RecordCacheHits(ctx, "Property.metrics", 3)
	metrics.RecordCacheMisses(ctx, "Property.metrics", 10)
	metrics.RecordQueriesSaved(ctx, "Property.metrics", 9)
	metrics.RecordPlanningDefect(ctx, "Property.metrics")

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, data["relbatch.groups.planned"]))
	assert.Equal(t, int64(1), sumOf(t, data["relbatch.queries.issued"]))
	assert.Equal(t, int64(2), sumOf(t, data["relbatch.merge.divergent"]))
	assert.Equal(t, int64(1), sumOf(t, data["relbatch.batch.skipped"]))
	assert.Equal(t, int64(3), sumOf(t, data["relbatch.cache.hits"]))
	assert.Equal(t, int64(10), sumOf(t, data["relbatch.cache.misses"]))
	assert.Equal(t, int64(9), sumOf(t, data["relbatch.queries.saved"]))
	assert.Equal(t, int64(1), sumOf(t, data["relbatch.planning.defects"]))

	rows, ok := data["relbatch.query.result_rows"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, rows.DataPoints, 1)
	assert.Equal(t, int64(40), rows.DataPoints[0].Sum)

	_, ok = data["relbatch.load.duration"].(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestBatchMetrics_NilIsNoop(t *testing.T) {
	var metrics *BatchMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		metrics.RecordLoad(ctx, time.Millisecond, true)
		metrics.RecordGroup(ctx, "r", "cached")
		metrics.RecordQuery(ctx, "r", "windowed", 1, 1)
		metrics.RecordBatchSkipped(ctx, "r", "signature")
	})
}
