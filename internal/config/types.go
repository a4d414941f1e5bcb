package config

import (
	"time"

	"github.com/C4ne/merge2users/internal/schemafilter"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Merge         MergeConfig         `mapstructure:"merge"`
	Lock          LockConfig          `mapstructure:"lock"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	SchemaFilters schemafilter.Config `mapstructure:"schema_filters"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS/SSL configuration for database connections.
// Supports both server verification and client certificate authentication (mTLS).
type DatabaseTLSConfig struct {
	// Mode controls TLS behavior:
	//   - "off": No TLS (plaintext connection)
	//   - "skip-verify": TLS without server certificate verification (insecure)
	//   - "verify-ca": TLS with CA verification but no hostname check
	//   - "verify-full": TLS with full verification including hostname
	Mode string `mapstructure:"mode"`

	// CAFile is the path to the CA certificate for server verification.
	CAFile string `mapstructure:"ca_file"`
	// CAFileEnv names an environment variable holding the CA file path.
	CAFileEnv string `mapstructure:"ca_file_env"`

	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`
	KeyFile     string `mapstructure:"key_file"`
	KeyFileEnv  string `mapstructure:"key_file_env"`

	// ServerName overrides the server name used for TLS verification.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver selects the dialect: mysql (also TiDB and MariaDB), postgres or sqlite.
	Driver string `mapstructure:"driver"`
	// ConnectionString is a complete driver DSN. When set, it overrides the
	// discrete fields. Configured via "dsn" in YAML or M2U_DATABASE_DSN.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is a path to a file containing the DSN. Supports "@-" for stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`

	// Discrete connection fields (used when DSN is not set)
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`
	// Schema is the PostgreSQL schema to merge in.
	Schema string `mapstructure:"schema"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// MergeConfig controls what a merge touches and how it is guarded.
type MergeConfig struct {
	EntityTable  string `mapstructure:"entity_table"`
	EntityColumn string `mapstructure:"entity_column"`

	DryRun                  bool `mapstructure:"dry_run"`
	DeleteMergeEntity       bool `mapstructure:"delete_merge_entity"`
	VerifyEntities          bool `mapstructure:"verify_entities"`
	AllowWithoutTransaction bool `mapstructure:"allow_without_transaction"`

	// Profile selects a built-in set of core tables.
	Profile string `mapstructure:"profile"`
	// CoreTables maps table names to the reference columns the core tier rewrites.
	CoreTables map[string][]string `mapstructure:"core_tables"`
	// ReferenceColumns replaces detection for individual tables in the generic tier.
	ReferenceColumns map[string][]string `mapstructure:"reference_columns"`
	// ExtraReferenceColumns extends the built-in reference column names.
	ExtraReferenceColumns []string `mapstructure:"extra_reference_columns"`
	DisabledExtensions    []string `mapstructure:"disabled_extensions"`
}

// LockConfig selects the merge lock backend.
type LockConfig struct {
	// Backend is auto, mysql, postgres, sqlite, redis or local. auto picks
	// the database-native lock; for SQLite that is a row in a lock table.
	Backend string `mapstructure:"backend"`
	// Scope is global or actor.
	Scope   string           `mapstructure:"scope"`
	Timeout time.Duration    `mapstructure:"timeout"`
	Redis   RedisConfig      `mapstructure:"redis"`
	SQLite  SQLiteLockConfig `mapstructure:"sqlite"`
}

// SQLiteLockConfig tunes the SQLite lock table.
type SQLiteLockConfig struct {
	// TTL after which a lock row left by a crashed run may be taken over.
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisConfig holds the Redis lock backend connection.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`
	// MetricsTextfile is a path the run's metrics are written to in Prometheus
	// text format, for node_exporter's textfile collector.
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	// Global OTLP settings (defaults for all signals)
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides (optional)
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs overlays the non-zero fields of a signal config on the
// global one. Insecure always comes from the override.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
