// Package tidbtest provisions throwaway TiDB databases for integration tests.
package tidbtest

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"relbatch/internal/sqlutil"
)

// TestDB is an isolated database dropped when the test ends.
type TestDB struct {
	DB           *sql.DB
	DatabaseName string
}

// Config holds TiDB connection information.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	TLSMode  string
}

// NewTestDB creates a database named after the test and registers cleanup.
// The test is skipped when TIDB_HOST, TIDB_USER and TIDB_PASSWORD are unset.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	cfg := configFromEnv(t)
	dbName := fmt.Sprintf("test_%s_%d", sanitizeName(t.Name()), time.Now().UnixMilli())

	bootstrap, err := sql.Open("mysql", buildDSN(cfg, "information_schema"))
	if err != nil {
		t.Fatalf("Failed to connect to TiDB: %v", err)
	}
	configureTestPool(bootstrap)
	if err := bootstrap.Ping(); err != nil {
		_ = bootstrap.Close()
		t.Fatalf("Failed to ping TiDB: %v", err)
	}
	if _, err := bootstrap.Exec("CREATE DATABASE IF NOT EXISTS " + sqlutil.QuoteIdentifier(dbName)); err != nil {
		_ = bootstrap.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}
	if err := bootstrap.Close(); err != nil {
		t.Logf("Warning: failed to close bootstrap connection: %v", err)
	}

	db, err := sql.Open("mysql", buildDSN(cfg, dbName))
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	configureTestPool(db)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to ping test database: %v", err)
	}

	tdb := &TestDB{DB: db, DatabaseName: dbName}
	t.Cleanup(func() { tdb.Teardown(t) })
	return tdb
}

// Teardown drops the database and closes the pool.
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()
	if tdb.DB == nil {
		return
	}
	if _, err := tdb.DB.Exec("DROP DATABASE IF EXISTS " + sqlutil.QuoteIdentifier(tdb.DatabaseName)); err != nil {
		t.Logf("Warning: failed to drop test database %s: %v", tdb.DatabaseName, err)
	}
	if err := tdb.DB.Close(); err != nil {
		t.Logf("Warning: failed to close test database connection: %v", err)
	}
}

// Exec runs semicolon-separated statements in order. Semicolons inside
// string literals are not supported.
func (tdb *TestDB) Exec(t *testing.T, script string) {
	t.Helper()
	for i, stmt := range splitSQL(script) {
		if _, err := tdb.DB.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute SQL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
}

func configFromEnv(t *testing.T) Config {
	t.Helper()

	cfg := Config{
		Host:     os.Getenv("TIDB_HOST"),
		Port:     os.Getenv("TIDB_PORT"),
		User:     os.Getenv("TIDB_USER"),
		Password: os.Getenv("TIDB_PASSWORD"),
		TLSMode:  os.Getenv("TIDB_TLS_MODE"),
	}
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" {
		t.Skip("TiDB credentials not set. Set TIDB_HOST, TIDB_USER, TIDB_PASSWORD environment variables to run integration tests")
	}
	if cfg.Port == "" {
		cfg.Port = "4000"
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = "true"
	}
	return cfg
}

func buildDSN(cfg Config, database string) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, database)
	if cfg.TLSMode != "" && cfg.TLSMode != "false" {
		dsn += "&tls=" + cfg.TLSMode
	}
	return dsn
}

func configureTestPool(db *sql.DB) {
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// sanitizeName keeps room for the timestamp suffix under the 64 character limit.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, ch := range name {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

func splitSQL(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
