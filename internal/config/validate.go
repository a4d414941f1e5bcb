package config

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/C4ne/merge2users/internal/lock"
	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/schemafilter"
	"github.com/C4ne/merge2users/internal/sqlutil"
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
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues). A valid
// configuration has Database.Database set to the effective database name.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Merge.validate(result)
	c.Lock.validate(result, c.Database.Driver)
	c.Observability.validate(result)
	validateSchemaFilters(result, c.SchemaFilters)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	dialect, err := d.Dialect()
	if err != nil {
		result.addError("database.driver", err.Error(), "valid values are: mysql, postgres, sqlite")
		return
	}

	network := dialect.Name() != sqlutil.SQLite.Name()
	if network && d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.addError("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}
	if !network && d.ConnectionString == "" && strings.TrimSpace(d.Path) == "" {
		result.addError("database.path", "sqlite needs a database file", "set database.path or database.dsn")
	}
	if dialect.Name() == sqlutil.Postgres.Name() && strings.TrimSpace(d.Schema) == "" {
		result.addError("database.schema", "schema cannot be empty for postgres", "the default is public")
	}

	d.TLS.validate(result)

	if d.Pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxOpen == 1 && dialect.Name() != sqlutil.SQLite.Name() {
		result.addWarning("database.pool.max_open", "max_open of 1 leaves no connection for the database lock",
			"database-native locks hold their own connection; use at least 2")
	}
	if d.Pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionRetryInterval < 0 {
		result.addError("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.addWarning("database.connection_retry_interval", "connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}

	effective, err := d.EffectiveDatabaseName()
	if err != nil {
		field := "database.database"
		if strings.HasPrefix(err.Error(), "database.dsn") {
			field = "database.dsn"
		}
		result.addError(field, err.Error(), "set database.database or include the database in database.dsn")
		return
	}
	d.Database = effective
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[t.Mode] {
		result.addError("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}
	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.addError("database.tls.ca_file", "CA file is required for verify-ca and verify-full modes",
			"set ca_file or ca_file_env to specify the CA certificate")
	}
	if (t.resolveCertFile() == "") != (t.resolveKeyFile() == "") {
		result.addError("database.tls.cert_file", "both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}
	if t.Mode == "skip-verify" {
		result.addWarning("database.tls.mode", "skip-verify mode does not verify server certificates",
			"use verify-ca or verify-full in production")
	}
}

func (m *MergeConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(m.EntityTable) == "" {
		result.addError("merge.entity_table", "entity table cannot be empty", "")
	}
	if strings.TrimSpace(m.EntityColumn) == "" {
		result.addError("merge.entity_column", "entity column cannot be empty", "")
	}
	if _, err := merge.Profile(m.Profile); err != nil {
		result.addError("merge.profile", err.Error(), fmt.Sprintf("valid values are: %s", strings.Join(merge.ProfileNames(), ", ")))
	}
	for table, cols := range m.CoreTables {
		if strings.TrimSpace(table) == "" {
			result.addError("merge.core_tables", "table name cannot be empty", "")
			continue
		}
		if len(cols) == 0 {
			result.addError("merge.core_tables", fmt.Sprintf("core table %q needs at least one reference column", table), "")
		}
		if _, ok := m.ReferenceColumns[table]; ok {
			result.addWarning("merge.reference_columns", fmt.Sprintf("table %q is a core table; its reference_columns entry is ignored", table),
				"set the columns in merge.core_tables instead")
		}
	}
	for table, cols := range m.ReferenceColumns {
		if len(cols) == 0 {
			result.addError("merge.reference_columns", fmt.Sprintf("reference column override for %q is empty", table),
				"remove the entry to use detection")
		}
	}
	if m.DeleteMergeEntity && !m.VerifyEntities {
		result.addWarning("merge.delete_merge_entity", "the merge entity is deleted without checking it exists",
			"enable merge.verify_entities")
	}
	if m.AllowWithoutTransaction {
		result.addWarning("merge.allow_without_transaction", "merges on storage without transactions cannot be rolled back", "")
	}
}

func (l *LockConfig) validate(result *ValidationResult, driver string) {
	switch l.Backend {
	case "auto", "local", "redis":
	case "mysql", "postgres", "sqlite":
		dialect, err := sqlutil.ParseDialect(driver)
		if err == nil && dialect.Name() != l.Backend {
			result.addError("lock.backend", fmt.Sprintf("lock backend %q does not match database driver %q", l.Backend, dialect.Name()),
				"use auto to pick the database-native lock")
		}
	default:
		result.addError("lock.backend", fmt.Sprintf("invalid lock backend %q", l.Backend),
			"valid values are: auto, mysql, postgres, sqlite, redis, local")
	}
	if l.Scope != lock.ScopeGlobal && l.Scope != lock.ScopeActor {
		result.addError("lock.scope", fmt.Sprintf("invalid lock scope %q", l.Scope), "valid values are: global, actor")
	}
	if l.Timeout <= 0 {
		result.addError("lock.timeout", "timeout must be positive", "")
	}
	if l.Backend == "redis" {
		if strings.TrimSpace(l.Redis.Addr) == "" {
			result.addError("lock.redis.addr", "address is required for the redis backend", "")
		}
		if l.Redis.TTL > 0 && l.Redis.TTL < l.Timeout {
			result.addWarning("lock.redis.ttl", "ttl is shorter than the lock timeout", "a long merge may outlive its lock")
		}
	}
	if l.Backend == "sqlite" && l.SQLite.TTL > 0 && l.SQLite.TTL < l.Timeout {
		result.addWarning("lock.sqlite.ttl", "ttl is shorter than the lock timeout", "a long merge may outlive its lock")
	}
	if l.Backend == "local" {
		result.addWarning("lock.backend", "the local lock does not exclude other processes", "")
	}
}

func validateSchemaFilters(result *ValidationResult, filters schemafilter.Config) {
	validateGlobList(result, "schema_filters.allow_tables", filters.AllowTables)
	validateGlobList(result, "schema_filters.deny_tables", filters.DenyTables)
	validatePatternMap(result, "schema_filters.deny_columns", filters.DenyColumns)
}

func validatePatternMap(result *ValidationResult, field string, patternMap map[string][]string) {
	for tablePattern, columnPatterns := range patternMap {
		if strings.TrimSpace(tablePattern) == "" {
			result.addError(field, "table pattern cannot be empty", "")
			continue
		}
		if _, err := path.Match(strings.ToLower(tablePattern), "probe"); err != nil {
			result.addError(field, fmt.Sprintf("invalid table glob pattern %q: %v", tablePattern, err), "")
		}
		for _, columnPattern := range columnPatterns {
			if strings.TrimSpace(columnPattern) == "" {
				result.addError(field, fmt.Sprintf("column pattern for table pattern %q cannot be empty", tablePattern), "")
				continue
			}
			if _, err := path.Match(strings.ToLower(columnPattern), "probe"); err != nil {
				result.addError(field, fmt.Sprintf("invalid column glob pattern %q for table pattern %q: %v", columnPattern, tablePattern, err), "")
			}
		}
	}
}

func validateGlobList(result *ValidationResult, field string, patterns []string) {
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			result.addError(field, "glob pattern cannot be empty", "")
			continue
		}
		if _, err := path.Match(strings.ToLower(pattern), "probe"); err != nil {
			result.addError(field, fmt.Sprintf("invalid glob pattern %q: %v", pattern, err), "")
		}
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio", fmt.Sprintf("sample ratio %g is outside 0.0-1.0", o.TraceSampleRatio), "")
	}
	if o.MetricsTextfile != "" && !o.MetricsEnabled {
		result.addWarning("observability.metrics_textfile", "metrics_textfile is ignored while metrics are disabled",
			"set observability.metrics_enabled")
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
		result.addError(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.addError(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.addError(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
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
