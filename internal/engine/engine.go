// Package engine coalesces the relation field requests of one graph query
// into batched store queries. An Engine is long-lived and stateless between
// queries; every graph query gets its own Execution holding the rows fetched
// so far.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"relbatch/internal/batch"
	"relbatch/internal/batchexec"
	"relbatch/internal/catalog"
	"relbatch/internal/config"
	"relbatch/internal/dbexec"
	"relbatch/internal/logging"
	"relbatch/internal/observability"
	"relbatch/internal/strategy"
)

// Options configures an Engine.
type Options struct {
	Batch   config.BatchConfig
	Logger  *logging.Logger
	Metrics *observability.BatchMetrics
}

// Engine plans and runs relation batches against a store.
type Engine struct {
	catalog  *catalog.Catalog
	executor *batchexec.Executor
	batch    config.BatchConfig
	logger   *logging.Logger
	metrics  *observability.BatchMetrics
}

// New creates an engine. A zero DefaultWindow falls back to the config default.
func New(store dbexec.Store, cat *catalog.Catalog, opts Options) *Engine {
	if opts.Batch.DefaultWindow <= 0 {
		opts.Batch.DefaultWindow = config.DefaultBatchConfig().DefaultWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}
	return &Engine{
		catalog:  cat,
		executor: batchexec.New(store, opts.Batch.Concurrency),
		batch:    opts.Batch,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// NewExecution starts the execution context of one graph query. A logger or
// execution ID already carried by ctx is reused.
func (e *Engine) NewExecution(ctx context.Context) *Execution {
	id := logging.ExecutionID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	logger := e.logger
	if fromCtx, ok := logging.LookupContext(ctx); ok {
		logger = fromCtx
	}
	logger = logger.WithExecutionID(id)

	selector := strategy.NewSelector(e.catalog, strategy.Options{
		MaxParentsPerQuery: e.batch.MaxParentsPerQuery,
		ReconcileMaxKeys:   e.batch.ReconcileMaxKeys,
		MaxWindow:          e.batch.MaxWindow,
	}, logger)

	return &Execution{
		id:       id,
		engine:   e,
		logger:   logger,
		metrics:  e.metrics,
		cache:    batch.NewCache(),
		selector: selector,
	}
}
