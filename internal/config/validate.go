package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Batch.validate(result)
	c.Observability.validate(result)
	c.validateRelations(result)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port),
		})
	}

	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[d.TLS.Mode] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.tls.mode",
			Message: fmt.Sprintf("invalid TLS mode %q", d.TLS.Mode),
			Hint:    "valid values are: off, skip-verify, verify-ca, verify-full",
		})
	}
	if (d.TLS.Mode == "verify-ca" || d.TLS.Mode == "verify-full") && d.TLS.CAFile == "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.tls.ca_file",
			Message: fmt.Sprintf("TLS mode %q without a CA file uses the system roots", d.TLS.Mode),
		})
	}

	if d.Pool.MaxOpen < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_open",
			Message: "max_open cannot be negative",
		})
	}
	if d.Pool.MaxIdle < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_idle",
			Message: "max_idle cannot be negative",
		})
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.pool.max_idle",
			Message: "max_idle is greater than max_open",
			Hint:    "idle connections will be limited to max_open",
		})
	}
	if d.ConnectionTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.connection_timeout",
			Message: "connection_timeout cannot be negative",
		})
	}

	if d.ReadRole != "" {
		if _, err := d.EffectiveDatabaseName(); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.database",
				Message: err.Error(),
				Hint:    "read_role switches databases after SET ROLE and needs a database name",
			})
		}
	} else if _, err := parseDSNDatabaseName(d.ConnectionString); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.dsn",
			Message: err.Error(),
			Hint:    "set a valid MySQL DSN in database.dsn",
		})
	}
}

func (b *BatchConfig) validate(result *ValidationResult) {
	if b.DefaultWindow < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "batch.default_window",
			Message: "default_window must be at least 1",
		})
	}
	if b.MaxWindow < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "batch.max_window",
			Message: "max_window cannot be negative",
			Hint:    "use 0 to leave windows uncapped",
		})
	}
	if b.MaxWindow > 0 && b.DefaultWindow > b.MaxWindow {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "batch.default_window",
			Message: "default_window is greater than max_window",
			Hint:    "windows will be capped at max_window",
		})
	}
	if b.MaxParentsPerQuery < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "batch.max_parents_per_query",
			Message: "max_parents_per_query must be at least 1",
		})
	}
	if b.ReconcileMaxKeys < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "batch.reconcile_max_keys",
			Message: "reconcile_max_keys cannot be negative",
		})
	}
	if b.ReconcileMaxKeys == 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "batch.reconcile_max_keys",
			Message: "reconciliation is disabled",
			Hint:    "a later wave that needs extra fields for already fetched rows will fail with a planning defect",
		})
	}
	if b.Concurrency < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "batch.concurrency",
			Message: "concurrency must be at least 1",
		})
	}
}

func (c *Config) validateRelations(result *ValidationResult) {
	if len(c.Relations) == 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "relations",
			Message: "no relations configured",
			Hint:    "every relation request will fail with an unknown relation error",
		})
		return
	}
	before := len(result.Errors)
	for i, rc := range c.Relations {
		field := fmt.Sprintf("relations[%d]", i)
		if rc.MaxWindow > 0 && c.Batch.MaxWindow > 0 && rc.MaxWindow > c.Batch.MaxWindow {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   field + ".max_window",
				Message: "relation max_window exceeds batch.max_window",
				Hint:    "the smaller cap applies",
			})
		}
		if _, err := rc.Relation(); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   field,
				Message: err.Error(),
			})
		}
	}
	if len(result.Errors) > before {
		return
	}
	if _, err := c.Catalog(); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "relations",
			Message: err.Error(),
			Hint:    "each relation needs parent_type, field, parent_column and key_fields, and must be unique",
		})
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v is outside 0.0-1.0", o.TraceSampleRatio),
		})
	}

	if o.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(o.MetricsListen); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "observability.metrics_listen",
				Message: fmt.Sprintf("invalid listen address %q", o.MetricsListen),
				Hint:    "use host:port or :port",
			})
		}
		if !o.MetricsEnabled {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "observability.metrics_listen",
				Message: "metrics_listen is set but metrics are disabled",
			})
		}
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" {
		if !validOTLPEndpoint(o.Endpoint) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   prefix + ".endpoint",
				Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
				Hint:    "use host:port or a full URL",
			})
		}
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
