package batchexec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relbatch/internal/batch"
	"relbatch/internal/batchkey"
	"relbatch/internal/planner"
	"relbatch/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	calls    map[string]int
	failOn   string
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *fakeStore) RunQuery(ctx context.Context, q planner.Query) ([]batch.Row, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[q.SQL]++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failOn != "" && strings.Contains(q.SQL, s.failOn) {
		return nil, errors.New("store unavailable")
	}
	return []batch.Row{{"sql": q.SQL}}, nil
}

func plan(relation string, sqls ...string) *strategy.Plan {
	p := &strategy.Plan{
		Group: &batchkey.Group{Signature: batch.Signature{Relation: relation}},
	}
	for _, s := range sqls {
		p.Fetches = append(p.Fetches, strategy.Fetch{Query: planner.Query{SQL: s}})
	}
	return p
}

func TestExecute_RunsEachQueryOnce(t *testing.T) {
	store := &fakeStore{}
	plans := []*strategy.Plan{
		plan("Property.metrics", "SELECT metrics 1", "SELECT metrics 2"),
		plan("Property.leases", "SELECT leases"),
	}

	results, err := New(store, 4).Execute(context.Background(), plans)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, map[string]int{"SELECT metrics 1": 1, "SELECT metrics 2": 1, "SELECT leases": 1}, store.calls)
	assert.Equal(t, "SELECT metrics 2", results[0].Rows[1][0]["sql"])
	assert.Equal(t, "SELECT leases", results[1].Rows[0][0]["sql"])
	assert.NoError(t, results[0].Err)
}

func TestExecute_SkipsEmptyAndFailedPlans(t *testing.T) {
	store := &fakeStore{}
	failed := plan("Property.tenants", "SELECT tenants")
	failed.Err = errors.New("relation Property.tenants not found")

	results, err := New(store, 2).Execute(context.Background(), []*strategy.Plan{
		plan("Property.metrics", ""),
		failed,
	})
	require.NoError(t, err)
	assert.Empty(t, store.calls)
	require.Len(t, results, 2)
	assert.Nil(t, results[0].Rows[0])
	assert.NoError(t, results[1].Err)
}

func TestExecute_StoreErrorIsIsolated(t *testing.T) {
	store := &fakeStore{failOn: "leases"}
	results, err := New(store, 2).Execute(context.Background(), []*strategy.Plan{
		plan("Property.metrics", "SELECT metrics"),
		plan("Property.leases", "SELECT leases"),
	})
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Rows[0], 1)

	require.Error(t, results[1].Err)
	assert.ErrorIs(t, results[1].Err, batch.ErrStore)
	var storeErr *batch.StoreError
	require.ErrorAs(t, results[1].Err, &storeErr)
	assert.Equal(t, "Property.leases", storeErr.Signature.Relation)
	assert.ErrorContains(t, results[1].Err, "store unavailable")
}

func TestExecute_RespectsConcurrencyLimit(t *testing.T) {
	store := &fakeStore{delay: 5 * time.Millisecond}
	var sqls []string
	for i := 0; i < 12; i++ {
		sqls = append(sqls, "SELECT "+string(rune('a'+i)))
	}

	_, err := New(store, 3).Execute(context.Background(), []*strategy.Plan{plan("Property.metrics", sqls...)})
	require.NoError(t, err)
	assert.LessOrEqual(t, store.maxSeen.Load(), int32(3))
	assert.Len(t, store.calls, 12)
}

func TestExecute_CancellationDiscardsResults(t *testing.T) {
	store := &fakeStore{delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results, err := New(store, 2).Execute(ctx, []*strategy.Plan{plan("Property.metrics", "SELECT a", "SELECT b")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestNew_DefaultConcurrency(t *testing.T) {
	e := New(&fakeStore{}, 0)
	assert.Equal(t, DefaultConcurrency, e.concurrency)
}
