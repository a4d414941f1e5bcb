package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/C4ne/merge2users/internal/sqlutil"
)

// EnvPrefix prefixes every configuration environment variable, e.g.
// M2U_DATABASE_DSN or M2U_LOCK_BACKEND.
const EnvPrefix = "M2U"

// Names of the flags that locate configuration rather than carry it.
const (
	ConfigFlag  = "config"
	EnvFileFlag = "env-file"
)

// defaultEnvFile is loaded when present and no --env-file is given.
const defaultEnvFile = ".env"

// Package-level hooks so tests can replace terminal and stdin access.
var (
	stdin          io.Reader = os.Stdin
	promptPassword           = promptTerminalPassword
)

// Load loads configuration from multiple sources with the following precedence:
// 1. Explicit overrides (v.Set) – used only for secrets read from files or the prompt
// 2. Command line flags
// 3. Environment variables (including those from the dotenv file)
// 4. Config file
// 5. Default values
//
// fs must carry the flags registered by DefineFlags. Only flags the user
// changed are applied.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Dotenv ---
	envFile, _ := fs.GetString(EnvFileFlag)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	} else if _, err := os.Stat(defaultEnvFile); err == nil {
		if err := godotenv.Load(defaultEnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %q: %w", defaultEnvFile, err)
		}
	}

	// --- Config file ---
	cfgPath, _ := fs.GetString(ConfigFlag)
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("merge2users")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/merge2users/")
		v.AddConfigPath("$HOME/.merge2users")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// --- Environment variables ---
	// Canonical keys: dot + snake_case
	// Env vars: M2U_DATABASE_POOL_MAX_OPEN
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// --- Flags ---
	bindChangedFlagsToViper(v, fs)

	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	// --- Secrets ---
	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}
	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	// --- Unmarshal (strict) ---
	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Database.applyDriverDefaults()
	return &cfg, nil
}

// applyDriverDefaults fills the port when it was left at zero.
func (d *DatabaseConfig) applyDriverDefaults() {
	if d.Port != 0 {
		return
	}
	dialect, err := d.Dialect()
	if err != nil {
		return
	}
	switch dialect.Name() {
	case sqlutil.MySQL.Name():
		d.Port = 3306
	case sqlutil.Postgres.Name():
		d.Port = 5432
	}
}

// bindChangedFlagsToViper copies only explicitly-set configuration flags into
// Viper, preserving precedence: flags > env > file > defaults. Configuration
// flags are the dotted keys; command flags such as --run are skipped.
func bindChangedFlagsToViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if !strings.Contains(f.Name, ".") {
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := fs.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// DefineFlags registers every configuration key as a flag on fs, using the
// canonical snake_case keys.
func DefineFlags(fs *pflag.FlagSet) {
	fs.StringP(ConfigFlag, "c", "", "Config file path (default: merge2users.yaml in ., $HOME/.merge2users or /etc/merge2users)")
	fs.String(EnvFileFlag, "", "Dotenv file loaded before reading "+EnvPrefix+"_* variables (default: .env when present)")

	// Database connection flags
	fs.String("database.driver", "", "Database driver (mysql, postgres, sqlite)")
	fs.String("database.dsn", "", "Complete driver DSN")
	fs.String("database.dsn_file", "", "Path to file containing database DSN (use @- for stdin)")
	fs.String("database.host", "", "Database host")
	fs.Int("database.port", 0, "Database port (default: 3306 for mysql, 5432 for postgres)")
	fs.String("database.user", "", "Database user")
	fs.String("database.password", "", "Database password")
	fs.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	fs.Bool("database.password_prompt", false, "Prompt for database password securely")
	fs.String("database.database", "", "Database name")
	fs.String("database.schema", "", "PostgreSQL schema")
	fs.String("database.path", "", "SQLite database file")

	// Database TLS flags
	fs.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
	fs.String("database.tls.ca_file", "", "Path to CA certificate for server verification")
	fs.String("database.tls.ca_file_env", "", "Env var containing CA certificate path")
	fs.String("database.tls.cert_file", "", "Path to client certificate for mTLS")
	fs.String("database.tls.cert_file_env", "", "Env var containing client certificate path")
	fs.String("database.tls.key_file", "", "Path to client private key for mTLS")
	fs.String("database.tls.key_file_env", "", "Env var containing client key path")
	fs.String("database.tls.server_name", "", "Override TLS server name for verification")

	// Database pool flags
	fs.Int("database.pool.max_open", 0, "Maximum open database connections")
	fs.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
	fs.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	fs.Duration("database.connection_timeout", 0, "Max time to wait for database on startup (0 = fail immediately)")
	fs.Duration("database.connection_retry_interval", 0, "Initial interval between connection retries")

	// Merge flags
	fs.String("merge.entity_table", "", "Table holding the merged entities")
	fs.String("merge.entity_column", "", "Identity column of the entity table")
	fs.Bool("merge.dry_run", false, "Always roll back, even with --run")
	fs.Bool("merge.delete_merge_entity", false, "Delete the merge entity row after its references moved")
	fs.Bool("merge.verify_entities", false, "Require both entity rows to exist before merging")
	fs.Bool("merge.allow_without_transaction", false, "Merge on storage without transaction support")
	fs.String("merge.profile", "", "Built-in core table profile (moodle)")
	fs.StringSlice("merge.extra_reference_columns", nil, "Additional reference column names (comma-separated or repeated)")
	fs.StringSlice("merge.disabled_extensions", nil, "Extensions to skip (comma-separated or repeated)")

	// Lock flags
	fs.String("lock.backend", "", "Lock backend (auto, mysql, postgres, sqlite, redis, local)")
	fs.String("lock.scope", "", "Lock scope (global, actor)")
	fs.Duration("lock.timeout", 0, "Max time to wait for the merge lock")
	fs.String("lock.redis.addr", "", "Redis address for the redis lock backend")
	fs.String("lock.redis.password", "", "Redis password")
	fs.Int("lock.redis.db", 0, "Redis database number")
	fs.Duration("lock.redis.ttl", 0, "Redis lock expiry")
	fs.Duration("lock.sqlite.ttl", 0, "Age after which a stale SQLite lock row is taken over")

	// Schema filter flags
	fs.StringSlice("schema_filters.allow_tables", nil, "Table glob patterns the generic tier may touch")
	fs.StringSlice("schema_filters.deny_tables", nil, "Table glob patterns the generic tier must skip")

	// Observability flags
	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.String("observability.metrics_textfile", "", "Write run metrics to this Prometheus textfile")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")

	// Logging flags (under observability)
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")

	// Global OTLP flags
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	fs.String("observability.otlp.tls_cert_file", "", "Path to TLS certificate file for server verification")
	fs.String("observability.otlp.tls_client_cert_file", "", "Path to client certificate file for mTLS")
	fs.String("observability.otlp.tls_client_key_file", "", "Path to client key file for mTLS")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
	fs.Bool("observability.otlp.retry_enabled", false, "Enable retry on transient errors")
	fs.Int("observability.otlp.retry_max_attempts", 0, "Maximum retry attempts")

	// Signal-specific OTLP flags
	fs.String("observability.traces.endpoint", "", "OTLP endpoint for traces only")
	fs.String("observability.traces.protocol", "", "OTLP protocol for traces (grpc, http/protobuf)")
	fs.Bool("observability.traces.insecure", false, "Use insecure connection for traces")
	fs.Duration("observability.traces.timeout", 0, "Timeout for trace exports")
	fs.String("observability.logs.endpoint", "", "OTLP endpoint for logs only")
	fs.String("observability.logs.protocol", "", "OTLP protocol for logs (grpc, http/protobuf)")
	fs.Bool("observability.logs.insecure", false, "Use insecure connection for logs")
	fs.Duration("observability.logs.timeout", 0, "Timeout for log exports")
}

// setDefaults sets default values (lowest precedence). Every key is listed so
// AutomaticEnv can resolve it during unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "merge2users")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.path", "merge2users.db")

	v.SetDefault("database.tls.mode", "")
	v.SetDefault("database.tls.ca_file", "")
	v.SetDefault("database.tls.ca_file_env", "")
	v.SetDefault("database.tls.cert_file", "")
	v.SetDefault("database.tls.cert_file_env", "")
	v.SetDefault("database.tls.key_file", "")
	v.SetDefault("database.tls.key_file_env", "")
	v.SetDefault("database.tls.server_name", "")

	// A run holds one connection for the lock and one for the transaction.
	v.SetDefault("database.pool.max_open", 4)
	v.SetDefault("database.pool.max_idle", 2)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 30*time.Second)
	v.SetDefault("database.connection_retry_interval", 2*time.Second)

	v.SetDefault("merge.entity_table", "user")
	v.SetDefault("merge.entity_column", "id")
	v.SetDefault("merge.dry_run", false)
	v.SetDefault("merge.delete_merge_entity", false)
	v.SetDefault("merge.verify_entities", true)
	v.SetDefault("merge.allow_without_transaction", false)
	v.SetDefault("merge.profile", "")
	v.SetDefault("merge.core_tables", map[string][]string{})
	v.SetDefault("merge.reference_columns", map[string][]string{})
	v.SetDefault("merge.extra_reference_columns", []string{})
	v.SetDefault("merge.disabled_extensions", []string{})

	v.SetDefault("lock.backend", "auto")
	v.SetDefault("lock.scope", "global")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.ttl", time.Hour)
	v.SetDefault("lock.sqlite.ttl", time.Hour)

	v.SetDefault("schema_filters.allow_tables", []string{"*"})
	v.SetDefault("schema_filters.deny_tables", []string{})
	v.SetDefault("schema_filters.deny_columns", map[string][]string{})

	v.SetDefault("observability.service_name", "merge2users")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.metrics_textfile", "")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "text")
	v.SetDefault("observability.logging.exports_enabled", false)

	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptTerminalPassword reads a password from the terminal without echo.
// The prompt goes to stderr so stdout stays machine-readable.
func promptTerminalPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	bytePassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	var configured []string
	for _, key := range []string{"database.dsn_file", "database.password_file"} {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}
	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
