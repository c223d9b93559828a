package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"relbatch/internal/config"
	"relbatch/internal/dbexec"
	"relbatch/internal/logging"
	"relbatch/internal/sqlutil"
)

const (
	initialRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 30 * time.Second
)

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	// Custom TLS configs must be registered before the DSN references them.
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	dsn := cfg.Database.DSN()

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	opts := []otelsql.Option{
		otelsql.WithAttributes(semconv.DBSystemMySQL),
	}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}
	commenter := cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled
	if commenter {
		opts = append(opts, otelsql.WithSQLCommenter(true))
	} else if cfg.Observability.SQLCommenterEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	db, err := otelsql.Open("mysql", dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			dbStatsReg = nil
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Bool("sqlcommenter", commenter),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db, effectiveDatabase); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
		slog.String("read_role", cfg.Database.ReadRole),
	)
	return nil
}

// waitForDatabase retries with exponential backoff until the connection
// timeout elapses. A zero timeout tries once.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	tryConnect := func() error {
		if cfg.Database.ReadRole != "" {
			return verifyRoleAccess(ctx, cfg.Database.ReadRole, db, effectiveDatabase)
		}
		return db.PingContext(ctx)
	}

	timeout := cfg.Database.ConnectionTimeout
	if timeout == 0 {
		return tryConnect()
	}

	deadline := time.Now().Add(timeout)
	interval := initialRetryInterval
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := tryConnect()
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

// verifyRoleAccess checks that the read role can be activated and can see
// the target database before any batch runs under it.
func verifyRoleAccess(ctx context.Context, role string, db *sql.DB, effectiveDatabase string) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SET ROLE DEFAULT")
		_ = conn.Close()
	}()

	if _, err := conn.ExecContext(ctx, "SET ROLE "+sqlutil.QuoteIdentifier(role)); err != nil {
		return fmt.Errorf("failed to set read role %s: %w", role, err)
	}
	if effectiveDatabase != "" {
		if _, err := conn.ExecContext(ctx, "USE "+sqlutil.QuoteIdentifier(effectiveDatabase)); err != nil {
			return fmt.Errorf("failed to select database %s: %w", effectiveDatabase, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("failed to validate database access: %w", err)
	}
	return nil
}

func buildQueryExecutor(cfg *config.Config, db *sql.DB, effectiveDatabase string) dbexec.QueryExecutor {
	if cfg.Database.ReadRole == "" {
		return dbexec.NewStandardExecutor(db)
	}
	return dbexec.NewRoleExecutor(dbexec.RoleExecutorConfig{
		DB:           db,
		DatabaseName: effectiveDatabase,
		Role:         cfg.Database.ReadRole,
	})
}
