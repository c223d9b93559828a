// Package config loads configuration from files, env vars, and flags, and validates it.
package config

import (
	"fmt"
	"strings"
	"time"

	"relbatch/internal/batch"
	"relbatch/internal/catalog"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Relations     []RelationConfig    `mapstructure:"relations"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS configuration for database connections.
type DatabaseTLSConfig struct {
	// Mode is one of off, skip-verify, verify-ca, verify-full.
	Mode       string `mapstructure:"mode"`
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// ConnectionString is a complete go-sql-driver/mysql DSN. When set it
	// overrides the discrete fields.
	ConnectionString string `mapstructure:"dsn"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	// ReadRole, when set, is activated with SET ROLE around every batched query.
	ReadRole string `mapstructure:"read_role"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// BatchConfig tunes planning and execution of relation batches.
type BatchConfig struct {
	// DefaultWindow applies to requests that do not ask for a window.
	DefaultWindow int `mapstructure:"default_window"`
	// MaxWindow caps every per-parent window; zero means uncapped.
	MaxWindow          int `mapstructure:"max_window"`
	MaxParentsPerQuery int `mapstructure:"max_parents_per_query"`
	// ReconcileMaxKeys bounds the tuple IN-list of a reconciliation query.
	ReconcileMaxKeys int `mapstructure:"reconcile_max_keys"`
	Concurrency      int `mapstructure:"concurrency"`
}

// DefaultBatchConfig returns the batch settings used when nothing overrides them.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		DefaultWindow:      10,
		MaxParentsPerQuery: 1000,
		ReconcileMaxKeys:   32,
		Concurrency:        8,
	}
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	MetricsListen       string        `mapstructure:"metrics_listen"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`
	OTLP                OTLPConfig    `mapstructure:"otlp"`
	Traces              *OTLPConfig   `mapstructure:"traces"`
	Logs                *OTLPConfig   `mapstructure:"logs"`
}

// OTLPConfig holds OTLP exporter parameters.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"`
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"`
}

// GetTracesConfig returns the effective trace exporter config.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces == nil {
		return c.OTLP
	}
	return mergeOTLPConfigs(c.OTLP, *c.Traces)
}

// GetLogsConfig returns the effective log exporter config.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs == nil {
		return c.OTLP
	}
	return mergeOTLPConfigs(c.OTLP, *c.Logs)
}

func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	if override.Insecure {
		result.Insecure = true
	}
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if len(override.Headers) > 0 {
		result.Headers = override.Headers
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	return result
}

// RelationConfig declares one batchable relation field.
type RelationConfig struct {
	ParentType   string   `mapstructure:"parent_type"`
	Field        string   `mapstructure:"field"`
	Table        string   `mapstructure:"table"`
	ParentColumn string   `mapstructure:"parent_column"`
	KeyFields    []string `mapstructure:"key_fields"`
	// DefaultOrder entries are "field" or "field desc".
	DefaultOrder []string `mapstructure:"default_order"`
	// Columns entries are "field=column". A list keeps field case intact,
	// since viper lowercases map keys.
	Columns   []string `mapstructure:"columns"`
	MaxWindow int      `mapstructure:"max_window"`
}

// Relation converts the entry into a catalog relation.
func (r RelationConfig) Relation() (catalog.Relation, error) {
	rel := catalog.Relation{
		ParentType:   r.ParentType,
		Field:        r.Field,
		Table:        r.Table,
		ParentColumn: r.ParentColumn,
		KeyFields:    r.KeyFields,
		MaxWindow:    r.MaxWindow,
	}
	for _, entry := range r.DefaultOrder {
		term, err := parseOrderTerm(entry)
		if err != nil {
			return catalog.Relation{}, fmt.Errorf("relation %s: %w", rel.Name(), err)
		}
		rel.DefaultOrder = append(rel.DefaultOrder, term)
	}
	if len(r.Columns) > 0 {
		rel.Columns = make(map[string]string, len(r.Columns))
		for _, entry := range r.Columns {
			field, column, ok := strings.Cut(entry, "=")
			field, column = strings.TrimSpace(field), strings.TrimSpace(column)
			if !ok || field == "" || column == "" {
				return catalog.Relation{}, fmt.Errorf("relation %s: invalid column mapping %q", rel.Name(), entry)
			}
			rel.Columns[field] = column
		}
	}
	return rel, nil
}

func parseOrderTerm(entry string) (batch.OrderTerm, error) {
	parts := strings.Fields(entry)
	switch {
	case len(parts) == 1:
		return batch.OrderTerm{Field: parts[0]}, nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "asc"):
		return batch.OrderTerm{Field: parts[0]}, nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "desc"):
		return batch.OrderTerm{Field: parts[0], Desc: true}, nil
	default:
		return batch.OrderTerm{}, fmt.Errorf("invalid default order %q", entry)
	}
}

// Catalog builds the relation catalog from the configured relations.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	relations := make([]catalog.Relation, 0, len(c.Relations))
	for _, rc := range c.Relations {
		rel, err := rc.Relation()
		if err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return catalog.New(relations...)
}
