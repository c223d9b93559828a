package dbexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relbatch/internal/batch"
	"relbatch/internal/planner"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrDBAccessDenied     = 1044
	mysqlErrTableAccessDenied  = 1142
	mysqlErrColumnAccessDenied = 1143
)

var (
	// ErrAccessDenied replaces driver permission errors so table and column
	// names of the denied object are not echoed to callers.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotReadOnly rejects any statement that is not a SELECT.
	ErrNotReadOnly = errors.New("store only runs SELECT statements")
)

// Store runs one planned query and returns its rows keyed by field name.
type Store interface {
	RunQuery(ctx context.Context, q planner.Query) ([]batch.Row, error)
}

// SQLStore runs planned queries through a QueryExecutor.
type SQLStore struct {
	executor QueryExecutor
}

// NewSQLStore creates a store over executor.
func NewSQLStore(executor QueryExecutor) *SQLStore {
	return &SQLStore{executor: executor}
}

// RunQuery executes q and scans each result row positionally into q.Columns.
func (s *SQLStore) RunQuery(ctx context.Context, q planner.Query) ([]batch.Row, error) {
	if !isSelect(q.SQL) {
		return nil, ErrNotReadOnly
	}
	rows, err := s.executor.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, NormalizeError(err)
	}
	defer rows.Close()

	results, err := scanRows(rows, q.Columns)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return results, nil
}

func isSelect(query string) bool {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < len("SELECT") {
		return false
	}
	return strings.EqualFold(trimmed[:len("SELECT")], "SELECT")
}

// NormalizeError maps MySQL permission errors to ErrAccessDenied and leaves
// every other error untouched.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
			return ErrAccessDenied
		}
	}
	return err
}

func scanRows(rows Rows, columns []string) ([]batch.Row, error) {
	results := make([]batch.Row, 0)

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))

		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(batch.Row, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

func convertValue(val any) any {
	if val == nil {
		return nil
	}

	// Convert []byte to string
	if b, ok := val.([]byte); ok {
		return string(b)
	}

	return val
}
