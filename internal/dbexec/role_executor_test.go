package dbexec

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardExecutor(t *testing.T) {
	t.Run("nil db returns error", func(t *testing.T) {
		executor := &StandardExecutor{db: nil}

		_, err := executor.QueryContext(context.Background(), "SELECT 1")
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})

	t.Run("NewStandardExecutor creates executor with db", func(t *testing.T) {
		// Create a dummy DB (won't actually connect)
		db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/test")
		require.NoError(t, err)
		defer db.Close()

		executor := NewStandardExecutor(db)
		assert.Same(t, db, executor.db)
	})
}

func TestRoleExecutor(t *testing.T) {
	t.Run("applies role and database before the query", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("SET ROLE `relation_reader`")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("USE `reporting`")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))
		mock.ExpectExec(regexp.QuoteMeta("SET ROLE DEFAULT")).WillReturnResult(sqlmock.NewResult(0, 0))

		executor := NewRoleExecutor(RoleExecutorConfig{DB: db, DatabaseName: "reporting", Role: "relation_reader"})
		rows, err := executor.QueryContext(context.Background(), "SELECT 1")
		require.NoError(t, err)
		for rows.Next() {
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no role skips SET ROLE", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"one"}))
		mock.ExpectExec(regexp.QuoteMeta("SET ROLE DEFAULT")).WillReturnResult(sqlmock.NewResult(0, 0))

		executor := NewRoleExecutor(RoleExecutorConfig{DB: db})
		rows, err := executor.QueryContext(context.Background(), "SELECT 1")
		require.NoError(t, err)
		require.NoError(t, rows.Close())

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set role failure releases the connection", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("SET ROLE `missing`")).WillReturnError(assert.AnError)
		mock.ExpectExec(regexp.QuoteMeta("SET ROLE DEFAULT")).WillReturnResult(sqlmock.NewResult(0, 0))

		executor := NewRoleExecutor(RoleExecutorConfig{DB: db, Role: "missing"})
		_, err = executor.QueryContext(context.Background(), "SELECT 1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to set role missing")

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil db returns error", func(t *testing.T) {
		executor := NewRoleExecutor(RoleExecutorConfig{Role: "relation_reader"})
		_, err := executor.QueryContext(context.Background(), "SELECT 1")
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})
}

// TestRoleAwareRows tests the cleanup wrapper
func TestRoleAwareRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"one"}))
	rows, err := db.Query("SELECT 1")
	require.NoError(t, err)

	cleanupCalled := false
	wrapped := &roleAwareRows{Rows: rows, cleanup: func() { cleanupCalled = true }}
	require.NoError(t, wrapped.Close())
	assert.True(t, cleanupCalled)
}
