package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relbatch/internal/batch"
)

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "basic DSN",
			config: DatabaseConfig{
				Host:     "localhost",
				Port:     4000,
				User:     "root",
				Password: "password",
				Database: "test",
			},
			expected: "root:password@tcp(localhost:4000)/test?parseTime=true&loc=UTC",
		},
		{
			name: "empty password",
			config: DatabaseConfig{
				Host:     "localhost",
				Port:     4000,
				User:     "root",
				Database: "test",
			},
			expected: "root:@tcp(localhost:4000)/test?parseTime=true&loc=UTC",
		},
		{
			name: "connection string gets parseTime",
			config: DatabaseConfig{
				ConnectionString: "u:p@tcp(db:4000)/metrics",
			},
			expected: "u:p@tcp(db:4000)/metrics?parseTime=true&loc=UTC",
		},
		{
			name: "skip-verify TLS",
			config: DatabaseConfig{
				ConnectionString: "u:p@tcp(db:4000)/metrics?parseTime=true&loc=UTC",
				TLS:              DatabaseTLSConfig{Mode: "skip-verify"},
			},
			expected: "u:p@tcp(db:4000)/metrics?parseTime=true&loc=UTC&tls=skip-verify",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestDatabaseConfig_EffectiveDatabaseName(t *testing.T) {
	d := DatabaseConfig{ConnectionString: "u:p@tcp(db:4000)/metrics"}
	name, err := d.EffectiveDatabaseName()
	require.NoError(t, err)
	assert.Equal(t, "metrics", name)

	d.Database = "other"
	_, err = d.EffectiveDatabaseName()
	assert.ErrorContains(t, err, "database mismatch")

	_, err = (&DatabaseConfig{}).EffectiveDatabaseName()
	assert.ErrorContains(t, err, "no effective database name")
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     4000,
			User:     "root",
			Database: "test",
			Pool:     PoolConfig{MaxOpen: 10, MaxIdle: 5},
		},
		Batch: BatchConfig{
			DefaultWindow:      10,
			MaxParentsPerQuery: 1000,
			ReconcileMaxKeys:   32,
			Concurrency:        8,
		},
		Observability: ObservabilityConfig{
			TraceSampleRatio: 1,
			Logging:          LoggingConfig{Level: "info", Format: "json"},
			OTLP:             OTLPConfig{Protocol: "grpc", Compression: "gzip"},
		},
		Relations: []RelationConfig{{
			ParentType:   "Property",
			Field:        "metrics",
			ParentColumn: "property_id",
			KeyFields:    []string{"periodEnd"},
			DefaultOrder: []string{"periodEnd desc"},
		}},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config passes validation", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Empty(t, result.Warnings)
	})

	errorCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"invalid database port", func(c *Config) { c.Database.Port = 70000 }, "database.port"},
		{"invalid TLS mode", func(c *Config) { c.Database.TLS.Mode = "invalid" }, "database.tls.mode"},
		{"negative pool", func(c *Config) { c.Database.Pool.MaxOpen = -1 }, "database.pool.max_open"},
		{"read role without database", func(c *Config) {
			c.Database.Database = ""
			c.Database.ReadRole = "analyst"
		}, "database.database"},
		{"zero default window", func(c *Config) { c.Batch.DefaultWindow = 0 }, "batch.default_window"},
		{"negative max window", func(c *Config) { c.Batch.MaxWindow = -1 }, "batch.max_window"},
		{"zero parents per query", func(c *Config) { c.Batch.MaxParentsPerQuery = 0 }, "batch.max_parents_per_query"},
		{"negative reconcile keys", func(c *Config) { c.Batch.ReconcileMaxKeys = -1 }, "batch.reconcile_max_keys"},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "batch.concurrency"},
		{"invalid log level", func(c *Config) { c.Observability.Logging.Level = "invalid" }, "observability.logging.level"},
		{"invalid log format", func(c *Config) { c.Observability.Logging.Format = "xml" }, "observability.logging.format"},
		{"invalid sample ratio", func(c *Config) { c.Observability.TraceSampleRatio = 2 }, "observability.trace_sample_ratio"},
		{"invalid metrics listen", func(c *Config) {
			c.Observability.MetricsEnabled = true
			c.Observability.MetricsListen = "9464"
		}, "observability.metrics_listen"},
		{"invalid OTLP protocol", func(c *Config) { c.Observability.OTLP.Protocol = "http" }, "observability.otlp.protocol"},
		{"invalid traces compression", func(c *Config) {
			c.Observability.Traces = &OTLPConfig{Compression: "zstd"}
		}, "observability.traces.compression"},
		{"relation without key fields", func(c *Config) { c.Relations[0].KeyFields = nil }, "relations"},
		{"bad default order", func(c *Config) { c.Relations[0].DefaultOrder = []string{"periodEnd sideways"} }, "relations[0]"},
		{"bad column mapping", func(c *Config) { c.Relations[0].Columns = []string{"periodEnd"} }, "relations[0]"},
		{"duplicate relation", func(c *Config) { c.Relations = append(c.Relations, c.Relations[0]) }, "duplicate relation"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			result := cfg.Validate()
			assert.True(t, result.HasErrors())
			assert.Contains(t, result.Error(), tc.field)
		})
	}

	t.Run("warnings", func(t *testing.T) {
		cfg := validConfig()
		cfg.Batch.ReconcileMaxKeys = 0
		cfg.Batch.MaxWindow = 5
		cfg.Database.Pool.MaxIdle = 20
		result := cfg.Validate()
		assert.False(t, result.HasErrors(), result.Error())

		fields := make([]string, 0, len(result.Warnings))
		for _, w := range result.Warnings {
			fields = append(fields, w.Field)
		}
		assert.ElementsMatch(t, []string{"database.pool.max_idle", "batch.default_window", "batch.reconcile_max_keys"}, fields)
	})
}

func TestRelationConfig_Relation(t *testing.T) {
	rc := RelationConfig{
		ParentType:   "Property",
		Field:        "metrics",
		ParentColumn: "property_id",
		KeyFields:    []string{"periodEnd"},
		DefaultOrder: []string{"periodEnd DESC", "createdAt asc"},
		Columns:      []string{"periodEnd = period_end_date"},
		MaxWindow:    24,
	}
	rel, err := rc.Relation()
	require.NoError(t, err)

	assert.Equal(t, []batch.OrderTerm{{Field: "periodEnd", Desc: true}, {Field: "createdAt"}}, rel.DefaultOrder)
	assert.Equal(t, "period_end_date", rel.Column("periodEnd"))
	assert.Equal(t, "created_at", rel.Column("createdAt"))
	assert.Equal(t, 24, rel.MaxWindow)
}

func TestObservabilityConfig_SignalOverrides(t *testing.T) {
	cfg := ObservabilityConfig{
		OTLP:   OTLPConfig{Endpoint: "collector:4317", Protocol: "grpc", Timeout: 10 * time.Second},
		Traces: &OTLPConfig{Endpoint: "https://traces.example.com", Protocol: "http/protobuf"},
	}

	traces := cfg.GetTracesConfig()
	assert.Equal(t, "https://traces.example.com", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.Equal(t, 10*time.Second, traces.Timeout)

	assert.Equal(t, cfg.OTLP, cfg.GetLogsConfig())
}

const testConfigYAML = `
database:
  dsn: "reader:secret@tcp(tidb:4000)/portfolio"
batch:
  default_window: 12
  concurrency: 2
observability:
  logging:
    level: debug
relations:
  - parent_type: Property
    field: metrics
    parent_column: property_id
    key_fields: [periodEnd]
    default_order: ["periodEnd desc"]
    columns: ["periodEnd=period_end"]
    max_window: 36
`

func newTestFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	DefineFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))

	t.Setenv("RELBATCH_BATCH_MAX_PARENTS_PER_QUERY", "50")
	t.Setenv("RELBATCH_BATCH_CONCURRENCY", "3")

	cfg, err := Load(newTestFlags(t, "--config", path, "--batch.concurrency=4"))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Batch.DefaultWindow, "file over default")
	assert.Equal(t, 50, cfg.Batch.MaxParentsPerQuery, "env over default")
	assert.Equal(t, 4, cfg.Batch.Concurrency, "flag over env and file")
	assert.Equal(t, 32, cfg.Batch.ReconcileMaxKeys, "default")
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, "relbatch", cfg.Observability.ServiceName)
	assert.Equal(t, 5*time.Minute, cfg.Database.Pool.MaxLifetime)

	require.Len(t, cfg.Relations, 1)
	cat, err := cfg.Catalog()
	require.NoError(t, err)
	rel, err := cat.Lookup("Property", "metrics")
	require.NoError(t, err)
	assert.Equal(t, "period_end", rel.Column("periodEnd"))
	assert.Equal(t, 36, rel.MaxWindow)

	result := cfg.Validate()
	assert.False(t, result.HasErrors(), result.Error())
}

func TestLoad_PasswordFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relbatch.yaml")
	pwdPath := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  database: portfolio\n"), 0o600))
	require.NoError(t, os.WriteFile(pwdPath, []byte("s3cret\n"), 0o600))

	cfg, err := Load(newTestFlags(t, "-c", cfgPath, "--database.password_file", pwdPath))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(newTestFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch:\n  windw: 3\n"), 0o600))

	_, err := Load(newTestFlags(t, "--config", path))
	assert.ErrorContains(t, err, "failed to unmarshal config")
}

func TestStringToStringSliceHook(t *testing.T) {
	t.Setenv("RELBATCH_DATABASE_DATABASE", "portfolio")
	path := filepath.Join(t.TempDir(), "relbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relations:
  - parent_type: Property
    field: metrics
    parent_column: property_id
    key_fields: "periodEnd, scenario"
`), 0o600))

	cfg, err := Load(newTestFlags(t, "--config", path))
	require.NoError(t, err)
	require.Len(t, cfg.Relations, 1)
	assert.Equal(t, []string{"periodEnd", "scenario"}, cfg.Relations[0].KeyFields)
}
