// Package app wires configuration, telemetry, the database and the batching
// engine into one runnable unit with ordered shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"relbatch/internal/catalog"
	"relbatch/internal/config"
	"relbatch/internal/dbexec"
	"relbatch/internal/engine"
	"relbatch/internal/logging"
	"relbatch/internal/observability"
)

// App owns runtime resources for one relbatch process.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	effectiveDatabase string
	databaseSource    string
	dsnPresent        bool

	stateMu      sync.Mutex
	shutdownOnce sync.Once
	initialized  bool

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	batchMetrics   *observability.BatchMetrics
	tracerProvider *observability.TracerProvider
	db             *sql.DB
	catalog        *catalog.Catalog
	engine         *engine.Engine
	metricsServer  *http.Server

	cleanup cleanupStack
}

// New validates derived settings and creates an app. Resources are acquired by Init.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}

	// The database name is only needed to re-select it after SET ROLE.
	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil && cfg.Database.ReadRole != "" {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	databaseSource := "config"
	if cfg.Database.ConnectionString != "" {
		databaseSource = "dsn"
	}

	cat, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("invalid relation catalog: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		databaseSource:    databaseSource,
		dsnPresent:        cfg.Database.ConnectionString != "",
		catalog:           cat,
	}, nil
}

// AttachLoggerProvider hands the OTLP logger provider to the app so it is
// flushed last on shutdown.
func (a *App) AttachLoggerProvider(lp *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = lp
}

// Logger returns the app logger.
func (a *App) Logger() *logging.Logger {
	return a.logger
}

// Catalog returns the relation catalog built from configuration.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// Engine returns the batching engine. It is nil before Init.
func (a *App) Engine() *engine.Engine {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.engine
}

// Init connects to the database and builds the engine. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, batchMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("connecting to database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.String("database_source", a.databaseSource),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, dbStatsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	store := dbexec.NewSQLStore(buildQueryExecutor(a.cfg, db, a.effectiveDatabase))
	eng := engine.New(store, a.catalog, engine.Options{
		Batch:   a.cfg.Batch,
		Logger:  a.logger,
		Metrics: batchMetrics,
	})
	a.logger.Info("relation catalog loaded", slog.Int("relations", len(a.catalog.Relations())))

	var metricsServer *http.Server
	if meterProvider != nil && a.cfg.Observability.MetricsListen != "" {
		metricsServer, err = startMetricsServer(a.cfg, a.logger)
		if err != nil {
			return fmt.Errorf("failed to start metrics listener: %w", err)
		}
		cleanup.push("metrics listener", func(shutdownCtx context.Context) error {
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.batchMetrics = batchMetrics
	a.tracerProvider = tracerProvider
	a.db = db
	a.engine = eng
	a.metricsServer = metricsServer
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
