// Package app wires configuration, storage, locking and observability into a
// ready-to-run merger and owns their lifecycle.
package app

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/C4ne/merge2users/internal/config"
	"github.com/C4ne/merge2users/internal/logging"
	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/observability"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

// App owns runtime resources for one invocation of the merge tool.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	dialect           sqlutil.Dialect
	effectiveDatabase string
	dsnPresent        bool

	out        io.Writer
	verbose    bool
	extensions []merge.Extension

	meterProvider  *observability.MeterProvider
	mergeMetrics   *observability.MergeMetrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }
	merger     *merge.Merger

	teardown teardown

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// Option customizes an App.
type Option func(*App)

// WithOutput sets where the console sink prints run progress. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithVerbose prints tables without changes as well.
func WithVerbose(verbose bool) Option {
	return func(a *App) { a.verbose = verbose }
}

// WithExtensions registers extension-tier components with the merger.
func WithExtensions(extensions ...merge.Extension) Option {
	return func(a *App) { a.extensions = append(a.extensions, extensions...) }
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	dialect, err := cfg.Database.Dialect()
	if err != nil {
		return nil, err
	}
	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	a := &App{
		cfg:               cfg,
		logger:            logger,
		dialect:           dialect,
		effectiveDatabase: effectiveDatabase,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
		out:               os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AttachLoggerProvider registers an optional logger provider so Shutdown flushes it.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
