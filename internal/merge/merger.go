// Package merge merges two identities of one entity type across every table
// of a relational schema. It finds the columns that reference the entity,
// removes rows that would violate a unique constraint once merge references
// point at the base identity, rewrites the remaining references and runs the
// whole pass under a named lock inside a single transaction.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
	"github.com/C4ne/merge2users/internal/lock"
	"github.com/C4ne/merge2users/internal/logging"
	"github.com/C4ne/merge2users/internal/schemafilter"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

// DefaultLockTimeout bounds lock acquisition when Options.LockTimeout is zero.
const DefaultLockTimeout = 5 * time.Second

// Request starts one merge run.
type Request struct {
	BaseID  int64
	MergeID int64
	DryRun  bool
	Actor   string
}

// Options configures a Merger.
type Options struct {
	Dialect sqlutil.Dialect
	// Database is the schema name used by the transaction capability probe.
	Database string
	// Exec runs precondition queries outside the merge transaction.
	Exec dbexec.QueryExecutor
	// Beginner opens the merge transaction when the context carries none.
	Beginner     dbexec.Beginner
	Introspector introspection.Introspector
	Locker       lock.Locker
	LockScope    string
	LockTimeout  time.Duration

	Entity Entity
	// Registry holds the core tier. A nil registry registers only the entity handler.
	Registry           *Registry
	Extensions         []Extension
	DisabledExtensions []string
	// ReferenceColumns overrides detection per table in the generic tier.
	ReferenceColumns map[string][]string
	Filter           schemafilter.Config

	VerifyEntities          bool
	AllowWithoutTransaction bool

	Sink   Sink
	Logger *slog.Logger
}

// Merger runs merges. It is safe for concurrent use; the lock serializes runs.
type Merger struct {
	opts    Options
	planner *Planner
	sink    Sink
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New validates opts and creates a Merger.
func New(opts Options) (*Merger, error) {
	if opts.Exec == nil {
		return nil, errors.New("merge: query executor is required")
	}
	if opts.Beginner == nil {
		return nil, errors.New("merge: transaction beginner is required")
	}
	if opts.Introspector == nil {
		return nil, errors.New("merge: introspector is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("merge: locker is required")
	}
	if opts.Entity.Table == "" || opts.Entity.Column == "" {
		def := DefaultEntity()
		if opts.Entity.Table == "" {
			opts.Entity.Table = def.Table
		}
		if opts.Entity.Column == "" {
			opts.Entity.Column = def.Column
		}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockScope == "" {
		opts.LockScope = lock.ScopeGlobal
	}
	if opts.Registry == nil {
		registry, err := BuildRegistry(RegistryConfig{Entity: opts.Entity})
		if err != nil {
			return nil, err
		}
		opts.Registry = registry
	}
	seen := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		if _, dup := seen[ext.Name()]; dup {
			return nil, fmt.Errorf("merge: extension %s registered twice", ext.Name())
		}
		seen[ext.Name()] = struct{}{}
	}

	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Merger{
		opts:    opts,
		planner: NewPlanner(opts.Dialect, opts.Entity, opts.Filter, logger),
		sink:    sink,
		logger:  logger,
		tracer:  otel.Tracer("merge2users/merge"),
	}, nil
}

// Planner returns the planner used for the generic tier.
func (m *Merger) Planner() *Planner {
	return m.planner
}

// run carries the state of one Run call.
type run struct {
	rc       *RunContext
	report   *Report
	logger   *slog.Logger
	tx       dbexec.TxExecutor
	tables   map[string]*introspection.Table
	names    []string
	noTx     bool
	failed   string
	failedAt Tier
}

// Run merges req.MergeID into req.BaseID. The returned report is never nil.
// The error is nil when the run committed or when a dry run completed.
func (m *Merger) Run(ctx context.Context, req Request) (*Report, error) {
	rc := &RunContext{
		RunID:     uuid.New(),
		Actor:     req.Actor,
		BaseID:    req.BaseID,
		MergeID:   req.MergeID,
		DryRun:    req.DryRun,
		StartedAt: time.Now(),
	}
	runID := rc.RunID.String()
	logger := (&logging.Logger{Logger: m.logger}).WithRunID(runID)
	ctx = logging.WithLogger(logging.WithRunIDContext(ctx, runID), logger)
	r := &run{
		rc:     rc,
		report: newReport(rc),
		logger: logger.Logger,
	}
	defer func() {
		r.report.Duration = time.Since(rc.StartedAt)
	}()

	ctx, span := m.tracer.Start(ctx, "merge.run", trace.WithAttributes(
		attribute.String("merge.run_id", runID),
		attribute.Int64("merge.base_id", req.BaseID),
		attribute.Int64("merge.merge_id", req.MergeID),
		attribute.Bool("merge.dry_run", req.DryRun),
	))
	defer span.End()

	err := m.run(ctx, r)
	if err != nil {
		r.report.Outcome = OutcomeFailed
		r.report.Error = err.Error()
		recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("merge.outcome", string(r.report.Outcome)))
	return r.report, err
}

func (m *Merger) run(ctx context.Context, r *run) error {
	rc := r.rc
	if err := m.checkPreconditions(ctx, r); err != nil {
		r.logger.Warn("merge refused", slog.String("error", err.Error()))
		return err
	}

	key := lock.Key(m.opts.LockScope, rc.Actor)
	held, err := m.opts.Locker.Acquire(ctx, key, m.opts.LockTimeout)
	if err != nil {
		r.logger.Warn("could not acquire merge lock", slog.String("key", key), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	r.report.transition(StateLocked)
	r.logger.Debug("merge lock acquired", slog.String("key", key))

	defer func() {
		if releaseErr := held.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logger.Error("failed to release merge lock", slog.String("key", key), slog.String("error", releaseErr.Error()))
		}
		r.report.transition(StateLockReleased)
	}()

	if err := m.snapshot(ctx, r); err != nil {
		m.sink.MergeFailed(ctx, rc, rc.BaseID, rc.MergeID, err)
		return err
	}

	if r.noTx {
		r.logger.Warn("merging without transaction support, changes cannot be rolled back")
		r.tx = dbexec.NewAutocommit(m.opts.Exec)
	} else {
		r.tx, err = dbexec.BeginDelegated(ctx, m.opts.Beginner)
		if err != nil {
			err = fmt.Errorf("failed to begin merge transaction: %w", err)
			m.sink.MergeFailed(ctx, rc, rc.BaseID, rc.MergeID, err)
			return err
		}
	}
	r.report.transition(StateTransactionOpen)

	r.report.transition(StateProcessing)
	procErr := m.process(ctx, r)

	if procErr == nil && !rc.DryRun {
		return m.commit(ctx, r)
	}
	return m.rollback(ctx, r, procErr)
}

func (m *Merger) checkPreconditions(ctx context.Context, r *run) error {
	rc := r.rc
	if rc.BaseID <= 0 || rc.MergeID <= 0 {
		return fmt.Errorf("%w: base %d, merge %d", ErrInvalidEntity, rc.BaseID, rc.MergeID)
	}
	if rc.BaseID == rc.MergeID {
		return fmt.Errorf("%w: %d", ErrSameEntity, rc.BaseID)
	}

	if _, outer := dbexec.TxFromContext(ctx); !outer {
		supported, err := dbexec.SupportsTransactions(ctx, m.opts.Exec, m.opts.Dialect, m.opts.Database)
		if err != nil {
			return fmt.Errorf("failed to check transaction support: %w", err)
		}
		if !supported {
			if rc.DryRun || !m.opts.AllowWithoutTransaction {
				return ErrTransactionsUnsupported
			}
			r.noTx = true
		}
	}

	if m.opts.VerifyEntities {
		for _, id := range []struct {
			role string
			id   int64
		}{{"base", rc.BaseID}, {"merge", rc.MergeID}} {
			exists, err := dbexec.RecordExists(ctx, m.executor(ctx), m.opts.Dialect, m.opts.Entity.Table,
				sq.Eq{m.opts.Dialect.QuoteIdentifier(m.opts.Entity.Column): id.id})
			if err != nil {
				return fmt.Errorf("failed to look up %s entity %d: %w", id.role, id.id, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s entity %d", ErrEntityNotFound, id.role, id.id)
			}
		}
	}
	return nil
}

// executor returns the outer transaction when the context carries one.
func (m *Merger) executor(ctx context.Context) dbexec.QueryExecutor {
	if tx, ok := dbexec.TxFromContext(ctx); ok {
		return tx
	}
	return m.opts.Exec
}

// snapshot reads every table descriptor before the merge transaction opens.
func (m *Merger) snapshot(ctx context.Context, r *run) error {
	names, err := m.opts.Introspector.ListTables(ctx)
	if err != nil {
		return &SchemaError{Table: "*", Err: err}
	}
	sort.Strings(names)

	r.tables = make(map[string]*introspection.Table, len(names))
	for _, name := range names {
		table, err := m.opts.Introspector.GetTable(ctx, name)
		if err != nil {
			return &SchemaError{Table: name, Err: err}
		}
		r.tables[name] = table
	}
	r.names = names

	if err := m.opts.Registry.Validate(names); err != nil {
		return err
	}
	r.logger.Debug("schema snapshot taken", slog.Int("tables", len(names)))
	return nil
}

type pendingTable struct {
	name string
	plan *TablePlan
}

func (m *Merger) process(ctx context.Context, r *run) error {
	processed := make(map[string]bool, len(r.names))
	var deferred []pendingTable

	// Core tables.
	for _, name := range m.opts.Registry.Tables() {
		reg, _ := m.opts.Registry.lookup(name)
		plan, err := m.planTable(ctx, r, name, TierCore, func(ctx context.Context) (*TablePlan, error) {
			return reg.handler(ctx, HandlerContext{Exec: r.tx, Table: *r.tables[name], Planner: m.planner, Run: r.rc})
		})
		if errors.Is(err, ErrNotApplicable) {
			r.logger.Debug("core handler not applicable", slog.String("table", name))
			continue
		}
		if err != nil {
			return err
		}
		processed[name] = true
		if reg.deferred {
			deferred = append(deferred, pendingTable{name: name, plan: plan})
			continue
		}
		if err := m.executeTable(ctx, r, name, TierCore, plan); err != nil {
			return err
		}
	}

	// Extension tables.
	for _, ext := range m.opts.Extensions {
		if slices.Contains(m.opts.DisabledExtensions, ext.Name()) {
			r.logger.Debug("extension disabled", slog.String("extension", ext.Name()))
			continue
		}
		delivered, err := ext.DeliverMergeSQL(ctx, r.rc.BaseID, r.rc.MergeID)
		if err != nil {
			err = &ExtensionError{Extension: ext.Name(), Err: err}
			r.failed, r.failedAt = ext.Name(), TierExtension
			return err
		}
		names := make([]string, 0, len(delivered))
		for name := range delivered {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, ok := r.tables[name]; !ok {
				err := &SchemaError{Table: name, Err: fmt.Errorf("extension %s delivered operations for an unknown table", ext.Name())}
				m.tableFailed(ctx, r, name, TierExtension, nil, err)
				return err
			}
			if processed[name] {
				r.logger.Warn("table already merged, skipping extension operations",
					slog.String("table", name), slog.String("extension", ext.Name()))
				continue
			}
			processed[name] = true
			plan := &TablePlan{Operations: delivered[name]}
			if err := m.executeTable(ctx, r, name, TierExtension, plan); err != nil {
				return err
			}
		}
	}

	// Everything else.
	for _, name := range schemafilter.Apply(r.names, m.opts.Filter) {
		if processed[name] {
			continue
		}
		plan, err := m.planTable(ctx, r, name, TierGeneric, func(ctx context.Context) (*TablePlan, error) {
			return m.planner.PlanTable(ctx, r.tx, *r.tables[name], m.opts.ReferenceColumns[name], r.rc.BaseID, r.rc.MergeID)
		})
		if err != nil {
			return err
		}
		processed[name] = true
		if err := m.executeTable(ctx, r, name, TierGeneric, plan); err != nil {
			return err
		}
	}

	for _, pending := range deferred {
		if err := m.executeTable(ctx, r, pending.name, TierCore, pending.plan); err != nil {
			return err
		}
	}
	return nil
}

// planTable runs plan and reports a table failure when it errors.
func (m *Merger) planTable(ctx context.Context, r *run, name string, tier Tier, plan func(context.Context) (*TablePlan, error)) (*TablePlan, error) {
	ctx, span := m.tracer.Start(ctx, "merge.plan_table", trace.WithAttributes(
		attribute.String("db.table", name),
		attribute.String("merge.tier", string(tier)),
	))
	defer span.End()

	result, err := plan(ctx)
	if err != nil {
		if errors.Is(err, ErrNotApplicable) {
			return nil, err
		}
		recordSpanError(span, err)
		m.tableFailed(ctx, r, name, tier, nil, err)
		return nil, err
	}
	if result == nil {
		result = &TablePlan{}
	}
	return result, nil
}

// executeTable runs a table's operations in order inside a "merge.table" span.
func (m *Merger) executeTable(ctx context.Context, r *run, name string, tier Tier, plan *TablePlan) error {
	ctx, span := m.tracer.Start(ctx, "merge.table", trace.WithAttributes(
		attribute.String("db.table", name),
		attribute.String("merge.tier", string(tier)),
		attribute.Int("merge.operations", len(plan.Operations)),
	))
	defer span.End()

	result := TableResult{
		Table:            name,
		Tier:             tier,
		ReferenceColumns: plan.ReferenceColumns,
		Conflicts:        len(plan.Conflicts),
	}

	for _, op := range plan.Operations {
		r.logger.Debug("executing operation", slog.String("table", name), slog.String("operation", op.String()), slog.String("sql", op.SQL))
		affected, err := op.execute(ctx, r.tx)
		if err != nil {
			execErr := &ExecutionError{Table: name, Tier: tier, SQL: op.SQL, Err: err}
			recordSpanError(span, execErr)
			m.tableFailed(ctx, r, name, tier, &result, execErr)
			return execErr
		}
		switch op.Kind {
		case OpDelete:
			result.RowsDeleted += max(affected, 0)
		case OpUpdate:
			result.RowsUpdated += max(affected, 0)
		}
		result.Statements = append(result.Statements, StatementResult{
			Kind:         op.Kind,
			Column:       op.Column,
			SQL:          op.SQL,
			Args:         op.Args,
			RowsAffected: affected,
		})
	}

	result.Status = TableSucceeded
	r.report.Tables = append(r.report.Tables, result)
	span.SetAttributes(
		attribute.Int64("merge.rows_deleted", result.RowsDeleted),
		attribute.Int64("merge.rows_updated", result.RowsUpdated),
	)
	m.sink.TableSucceeded(ctx, r.rc, name, result)
	return nil
}

func (m *Merger) tableFailed(ctx context.Context, r *run, name string, tier Tier, result *TableResult, err error) {
	if result == nil {
		result = &TableResult{Table: name, Tier: tier}
	}
	result.Status = TableFailed
	result.Error = err.Error()
	r.report.Tables = append(r.report.Tables, *result)
	r.failed, r.failedAt = name, tier

	attrs := []any{slog.String("table", name), slog.String("tier", string(tier)), slog.String("error", err.Error())}
	if IsDuplicateKey(err) {
		attrs = append(attrs, slog.Bool("duplicate_key", true))
	}
	r.logger.Error("failed to merge table", attrs...)
	m.sink.TableFailed(ctx, r.rc, name, err)
}

func (m *Merger) commit(ctx context.Context, r *run) error {
	rc := r.rc
	if err := r.tx.Commit(); err != nil {
		m.sink.TransactionFailed(ctx, rc, err)
		commitErr := &CommitError{Err: err, RollbackErr: rollbackWithRetry(r.tx)}
		if commitErr.RollbackErr != nil {
			r.report.RollbackError = commitErr.RollbackErr.Error()
			r.logger.Error("rollback after failed commit failed", slog.String("error", commitErr.RollbackErr.Error()))
		}
		r.report.transition(StateRolledBack)
		m.sink.MergeFailed(ctx, rc, rc.BaseID, rc.MergeID, commitErr)
		return commitErr
	}

	r.report.transition(StateCommitted)
	r.report.Outcome = OutcomeCommitted
	deleted, updated := r.report.Totals()
	r.logger.Info("merge committed",
		slog.Int64("base_id", rc.BaseID),
		slog.Int64("merge_id", rc.MergeID),
		slog.Int("tables", len(r.report.Tables)),
		slog.Int64("rows_deleted", deleted),
		slog.Int64("rows_updated", updated),
	)
	m.sink.TransactionSucceeded(ctx, rc)
	m.sink.MergeSucceeded(ctx, rc, rc.BaseID, rc.MergeID)
	return nil
}

func (m *Merger) rollback(ctx context.Context, r *run, procErr error) error {
	rc := r.rc
	// A cancelled context makes database/sql roll back on its own; the
	// transaction is then already closed.
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		if errors.Is(err, dbexec.ErrNoTransaction) {
			r.logger.Error("changes made before the failure were not rolled back", slog.String("error", err.Error()))
		} else {
			r.logger.Error("rollback failed", slog.String("error", err.Error()))
		}
		r.report.RollbackError = err.Error()
	}
	r.report.transition(StateRolledBack)

	if procErr == nil {
		r.report.Outcome = OutcomeDryRun
		r.logger.Info("dry run completed, transaction rolled back",
			slog.Int64("base_id", rc.BaseID),
			slog.Int64("merge_id", rc.MergeID),
			slog.Int("tables", len(r.report.Tables)),
		)
		m.sink.MergeSucceeded(ctx, rc, rc.BaseID, rc.MergeID)
		return nil
	}

	r.report.FailedTable = r.failed
	r.report.FailedTier = r.failedAt
	r.logger.Error("merge aborted, transaction rolled back",
		slog.String("table", r.failed),
		slog.String("tier", string(r.failedAt)),
		slog.String("error", procErr.Error()),
	)
	m.sink.MergeFailed(ctx, rc, rc.BaseID, rc.MergeID, procErr)
	return procErr
}

// rollbackWithRetry rolls back once more if the first attempt fails. A
// transaction the driver already closed counts as rolled back.
func rollbackWithRetry(tx dbexec.TxExecutor) error {
	err := tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	retryErr := tx.Rollback()
	if retryErr == nil || errors.Is(retryErr, sql.ErrTxDone) {
		return nil
	}
	return errors.Join(err, retryErr)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
