package app

import (
	"context"
	"fmt"
	"log/slog"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	steps := teardown{}
	success := false
	defer func() {
		if !success {
			_ = steps.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		steps.add("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, mergeMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		steps.add("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		steps.add("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("connecting to database",
		slog.String("driver", a.dialect.Name()),
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, dbStatsReg, err := connectDB(a.cfg, a.dialect, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	steps.add("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	locker, closeLocker, err := buildLocker(a.cfg, a.dialect, a.logger, db)
	if err != nil {
		return fmt.Errorf("failed to initialize merge lock: %w", err)
	}
	if closeLocker != nil {
		steps.add("lock backend", func(_ context.Context) error {
			return closeLocker()
		})
	}

	merger, err := buildMerger(a.cfg, mergerDeps{
		dialect:      a.dialect,
		database:     a.effectiveDatabase,
		db:           db,
		locker:       locker,
		logger:       a.logger,
		metrics:      mergeMetrics,
		out:          a.out,
		verbose:      a.verbose,
		extensions:   a.extensions,
		introspector: buildIntrospector(a.cfg, a.dialect, db, a.effectiveDatabase),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize merger: %w", err)
	}

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.mergeMetrics = mergeMetrics
	a.tracerProvider = tracerProvider
	a.db = db
	a.dbStatsReg = dbStatsReg
	a.merger = merger
	a.teardown = steps
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
