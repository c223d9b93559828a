package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"relbatch/internal/sqlutil"
)

// RoleExecutor runs each query on a dedicated connection after SET ROLE, so
// relation fetches see only what the configured read role may read.
type RoleExecutor struct {
	db           *sql.DB
	databaseName string
	role         string
}

// RoleExecutorConfig controls role execution behavior.
type RoleExecutorConfig struct {
	DB           *sql.DB
	DatabaseName string
	Role         string
}

// NewRoleExecutor creates an executor that applies SET ROLE before each query.
func NewRoleExecutor(cfg RoleExecutorConfig) *RoleExecutor {
	return &RoleExecutor{
		db:           cfg.DB,
		databaseName: cfg.DatabaseName,
		role:         cfg.Role,
	}
}

func (e *RoleExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	cleanup := func() {
		_, _ = conn.ExecContext(context.Background(), "SET ROLE DEFAULT")
		_ = conn.Close()
	}

	if e.role != "" {
		// MySQL/TiDB don't support parameterized SET ROLE; the role comes from
		// configuration and is quoted as an identifier.
		setRoleSQL := fmt.Sprintf("SET ROLE %s", sqlutil.QuoteIdentifier(e.role))
		if _, err := conn.ExecContext(ctx, setRoleSQL); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to set role %s: %w", e.role, err)
		}
	}
	if err := e.useDatabase(ctx, conn); err != nil {
		cleanup()
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &roleAwareRows{
		Rows:    rows,
		cleanup: cleanup,
	}, nil
}

func (e *RoleExecutor) useDatabase(ctx context.Context, conn *sql.Conn) error {
	if e.databaseName == "" {
		return nil
	}
	useSQL := fmt.Sprintf("USE %s", sqlutil.QuoteIdentifier(e.databaseName))
	if _, err := conn.ExecContext(ctx, useSQL); err != nil {
		return fmt.Errorf("failed to select database %s: %w", e.databaseName, err)
	}
	return nil
}

type roleAwareRows struct {
	*sql.Rows
	cleanup func()
}

func (r *roleAwareRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
