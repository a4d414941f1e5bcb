package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"github.com/C4ne/merge2users/internal/config"
	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
	"github.com/C4ne/merge2users/internal/lock"
	"github.com/C4ne/merge2users/internal/logging"
	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/notify"
	"github.com/C4ne/merge2users/internal/observability"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

// InitLogger builds the process logger from configuration and, when log export
// is enabled, the OTLP logger provider behind it.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     exporterConfig(logsConfig),
	})
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func exporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
		RetryMaxAttempts:  c.RetryMaxAttempts,
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.MergeMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Debug("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, nil, err
	}

	mergeMetrics, err := observability.InitMergeMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}

	return meterProvider, mergeMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	return observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       exporterConfig(tracesConfig),
	})
}

func dbSystem(dialect sqlutil.Dialect) attribute.KeyValue {
	switch dialect.Name() {
	case sqlutil.Postgres.Name():
		return semconv.DBSystemPostgreSQL
	case sqlutil.SQLite.Name():
		return semconv.DBSystemSqlite
	default:
		return semconv.DBSystemMySQL
	}
}

func connectDB(cfg *config.Config, dialect sqlutil.Dialect, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	// Register custom TLS configuration if needed (for verify-ca/verify-full modes)
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	dsn := cfg.Database.DSN()
	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(dialect.DriverName(), dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	system := dbSystem(dialect)
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}

	db, err := otelsql.Open(dialect.DriverName(), dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Debug("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	interval := cfg.Database.ConnectionRetryInterval

	// A zero timeout tries once.
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		// Exponential backoff, capped at 30s
		interval = min(interval*2, 30*time.Second)
	}
}

// buildLocker selects the lock backend. The returned close function is nil
// when the backend holds no resources of its own.
func buildLocker(cfg *config.Config, dialect sqlutil.Dialect, logger *logging.Logger, db *sql.DB) (lock.Locker, func() error, error) {
	backend := cfg.Lock.Backend
	if backend == "" || backend == "auto" {
		switch dialect.Name() {
		case sqlutil.MySQL.Name():
			backend = "mysql"
		case sqlutil.Postgres.Name():
			backend = "postgres"
		case sqlutil.SQLite.Name():
			backend = "sqlite"
		default:
			backend = "local"
		}
	}

	logger.Debug("merge lock backend selected",
		slog.String("backend", backend),
		slog.String("scope", cfg.Lock.Scope),
		slog.Duration("timeout", cfg.Lock.Timeout),
	)

	switch backend {
	case "mysql":
		return lock.NewMySQL(db), nil, nil
	case "postgres":
		return lock.NewPostgres(db), nil, nil
	case "sqlite":
		return lock.NewSQLite(db, cfg.Lock.SQLite.TTL), nil, nil
	case "redis":
		client := lock.NewGoRedis(cfg.Lock.Redis.Addr, cfg.Lock.Redis.Password, cfg.Lock.Redis.DB)
		return lock.NewRedis(client, cfg.Lock.Redis.TTL), client.Close, nil
	case "local":
		logger.Warn("local merge lock only excludes runs inside this process")
		return lock.NewLocal(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend %q", backend)
	}
}

func buildIntrospector(cfg *config.Config, dialect sqlutil.Dialect, db *sql.DB, effectiveDatabase string) introspection.Introspector {
	switch dialect.Name() {
	case sqlutil.Postgres.Name():
		return introspection.NewPostgres(db, cfg.Database.Schema)
	case sqlutil.SQLite.Name():
		return introspection.NewSQLite(db)
	default:
		return introspection.NewMySQL(db, effectiveDatabase)
	}
}

type mergerDeps struct {
	dialect      sqlutil.Dialect
	database     string
	db           *sql.DB
	introspector introspection.Introspector
	locker       lock.Locker
	logger       *logging.Logger
	metrics      *observability.MergeMetrics
	out          io.Writer
	verbose      bool
	extensions   []merge.Extension
}

func buildMerger(cfg *config.Config, deps mergerDeps) (*merge.Merger, error) {
	entity := merge.Entity{
		Table:                 cfg.Merge.EntityTable,
		Column:                cfg.Merge.EntityColumn,
		ExtraReferenceColumns: cfg.Merge.ExtraReferenceColumns,
	}
	registry, err := merge.BuildRegistry(merge.RegistryConfig{
		Entity:            entity,
		DeleteMergeEntity: cfg.Merge.DeleteMergeEntity,
		Profile:           cfg.Merge.Profile,
		CoreTables:        cfg.Merge.CoreTables,
	})
	if err != nil {
		return nil, err
	}

	sinks := notify.Multi{notify.NewLogSink(deps.logger.Logger)}
	if deps.out != nil {
		sinks = append(sinks, notify.NewConsoleSink(deps.out, deps.verbose))
	}
	if deps.metrics != nil {
		sinks = append(sinks, notify.NewMetricsSink(deps.metrics))
	}

	exec := dbexec.NewStandardExecutor(deps.db)
	return merge.New(merge.Options{
		Dialect:                 deps.dialect,
		Database:                deps.database,
		Exec:                    exec,
		Beginner:                exec,
		Introspector:            deps.introspector,
		Locker:                  deps.locker,
		LockScope:               cfg.Lock.Scope,
		LockTimeout:             cfg.Lock.Timeout,
		Entity:                  entity,
		Registry:                registry,
		Extensions:              deps.extensions,
		DisabledExtensions:      cfg.Merge.DisabledExtensions,
		ReferenceColumns:        cfg.Merge.ReferenceColumns,
		Filter:                  cfg.SchemaFilters,
		VerifyEntities:          cfg.Merge.VerifyEntities,
		AllowWithoutTransaction: cfg.Merge.AllowWithoutTransaction,
		Sink:                    sinks,
		Logger:                  deps.logger.Logger,
	})
}
