package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/C4ne/merge2users/internal/config"
	"github.com/C4ne/merge2users/internal/logging"
	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/schemafilter"
)

func testLogger() *logging.Logger {
	return logging.Discard()
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	if _, err := New(nil, testLogger()); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := New(&config.Config{}, nil); err == nil {
		t.Fatalf("expected error for nil logger")
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "oracle"}}
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	app := &App{logger: testLogger()}
	var calls int32
	app.teardown.add("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected release to run once, ran %d times", got)
	}
}

func TestTeardown_RunsInReverseOrder(t *testing.T) {
	var order []string
	stack := teardown{}
	stack.add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	stack.add("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	stack.add("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	err := stack.run(context.Background(), testLogger())

	if got := strings.Join(order, ","); got != "third,second,first" {
		t.Fatalf("unexpected release order %q", got)
	}
	if err == nil || !strings.Contains(err.Error(), "second: boom") {
		t.Fatalf("expected the failing component in the error, got %v", err)
	}
}

func TestShutdown_ReportsReleaseFailureOnce(t *testing.T) {
	app := &App{logger: testLogger()}
	closed := false
	app.teardown.add("database", func(context.Context) error {
		closed = true
		return nil
	})
	app.teardown.add("tracer provider", func(context.Context) error {
		return context.DeadlineExceeded
	})

	err := app.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the flush error, got %v", err)
	}
	if !closed {
		t.Fatalf("expected the database to be closed after a failed flush")
	}
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
}

func TestMerge_BeforeInit_Fails(t *testing.T) {
	app := &App{logger: testLogger(), cfg: &config.Config{}}
	if _, err := app.Merge(context.Background(), merge.Request{BaseID: 1, MergeID: 2}); err == nil {
		t.Fatalf("expected merge to fail before init")
	}
	if _, err := app.Inspect(context.Background(), nil); err == nil {
		t.Fatalf("expected inspect to fail before init")
	}
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "merge.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE "user" (id INTEGER PRIMARY KEY, username TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE enrolment (id INTEGER PRIMARY KEY, userid INTEGER NOT NULL, courseid INTEGER NOT NULL, UNIQUE (userid, courseid))`,
		`CREATE TABLE log (id INTEGER PRIMARY KEY, userid INTEGER, action TEXT)`,
		`CREATE TABLE cache_user (id INTEGER PRIMARY KEY, userid INTEGER)`,
		`INSERT INTO "user" (id, username) VALUES (1, 'alice'), (2, 'alice.old')`,
		`INSERT INTO enrolment (id, userid, courseid) VALUES (1, 1, 10), (2, 2, 10), (3, 2, 20)`,
		`INSERT INTO log (id, userid, action) VALUES (1, 2, 'login'), (2, 1, 'view')`,
		`INSERT INTO cache_user (id, userid) VALUES (1, 2)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   path,
			Pool:   config.PoolConfig{MaxOpen: 2, MaxIdle: 1, MaxLifetime: time.Minute},
		},
		Merge: config.MergeConfig{
			EntityTable:       "user",
			EntityColumn:      "id",
			VerifyEntities:    true,
			DeleteMergeEntity: true,
		},
		Lock: config.LockConfig{Backend: "auto", Scope: "global", Timeout: time.Second},
		Observability: config.ObservabilityConfig{
			ServiceName:     "merge2users-test",
			MetricsEnabled:  true,
			MetricsTextfile: filepath.Join(dir, "merge2users.prom"),
		},
		SchemaFilters: schemafilter.Config{AllowTables: []string{"*"}, DenyTables: []string{"cache_*"}},
	}
}

func queryInt(t *testing.T, path, query string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	var v int64
	if err := db.QueryRow(query).Scan(&v); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return v
}

func TestApp_SQLiteMerge(t *testing.T) {
	cfg := sqliteConfig(t)
	var out bytes.Buffer
	app, err := New(cfg, testLogger(), WithOutput(&out))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	if err := app.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	// Init is idempotent.
	if err := app.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}

	report, err := app.Merge(ctx, merge.Request{BaseID: 1, MergeID: 2, Actor: "admin"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.Outcome != merge.OutcomeCommitted {
		t.Fatalf("expected committed outcome, got %q", report.Outcome)
	}

	path := cfg.Database.Path
	if got := queryInt(t, path, `SELECT COUNT(*) FROM enrolment WHERE userid = 2`); got != 0 {
		t.Fatalf("expected no enrolments left for merge user, got %d", got)
	}
	if got := queryInt(t, path, `SELECT COUNT(*) FROM enrolment WHERE userid = 1`); got != 2 {
		t.Fatalf("expected two enrolments for base user, got %d", got)
	}
	if got := queryInt(t, path, `SELECT COUNT(*) FROM log WHERE userid = 1`); got != 2 {
		t.Fatalf("expected log rows to be repointed, got %d", got)
	}
	if got := queryInt(t, path, `SELECT COUNT(*) FROM cache_user WHERE userid = 2`); got != 1 {
		t.Fatalf("expected filtered table to stay untouched, got %d", got)
	}
	if got := queryInt(t, path, `SELECT COUNT(*) FROM "user" WHERE id = 2`); got != 0 {
		t.Fatalf("expected merge user to be deleted, got %d", got)
	}

	if !strings.Contains(out.String(), "Succeeded to merge user id 2 into user id 1") {
		t.Fatalf("expected console success line, got %q", out.String())
	}

	content, err := os.ReadFile(cfg.Observability.MetricsTextfile)
	if err != nil {
		t.Fatalf("read metrics textfile: %v", err)
	}
	if !strings.Contains(string(content), "merge_runs") {
		t.Fatalf("expected merge run metrics in textfile, got %q", content)
	}

	// The merge user is gone, so a rerun fails its precondition.
	if _, err := app.Merge(ctx, merge.Request{BaseID: 1, MergeID: 2}); !errors.Is(err, merge.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound on rerun, got %v", err)
	}
}

func TestApp_SQLiteDryRunFromConfig(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Merge.DryRun = true
	cfg.Observability = config.ObservabilityConfig{}

	app, err := New(cfg, testLogger(), WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := app.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	report, err := app.Merge(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Outcome != merge.OutcomeDryRun || !report.DryRun {
		t.Fatalf("expected dry run outcome, got %q", report.Outcome)
	}
	if got := queryInt(t, cfg.Database.Path, `SELECT COUNT(*) FROM log WHERE userid = 2`); got != 1 {
		t.Fatalf("expected dry run to leave data unchanged, got %d", got)
	}
}

func TestApp_SQLiteInspect(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Observability = config.ObservabilityConfig{}

	app, err := New(cfg, testLogger(), WithOutput(nil))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := app.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	tables, err := app.Inspect(context.Background(), []string{"enrolment", "cache_user"})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected two tables, got %d", len(tables))
	}
	if got := strings.Join(tables[0].ReferenceColumns, ","); got != "userid" {
		t.Fatalf("expected enrolment reference column userid, got %q", got)
	}
	if len(tables[0].Constraints) != 1 {
		t.Fatalf("expected one conflicting constraint on enrolment, got %d", len(tables[0].Constraints))
	}
	if !tables[1].Filtered {
		t.Fatalf("expected cache_user to be filtered")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := app.Inspect(context.Background(), nil); err == nil {
		t.Fatalf("expected inspect to fail after shutdown")
	}
}
