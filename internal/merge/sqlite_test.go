package merge_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
	"github.com/C4ne/merge2users/internal/lock"
	"github.com/C4ne/merge2users/internal/logging"
	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/notify"
	"github.com/C4ne/merge2users/internal/sqlutil"
)

var schema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE "user" (id INTEGER PRIMARY KEY, username TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE course (id INTEGER PRIMARY KEY, fullname TEXT NOT NULL)`,
	`CREATE TABLE enrolment (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES "user"(id),
		course_id INTEGER NOT NULL,
		UNIQUE (user_id, course_id)
	)`,
	`CREATE TABLE profile (id INTEGER PRIMARY KEY, userid INTEGER NOT NULL UNIQUE, bio TEXT)`,
	`CREATE TABLE log (id INTEGER PRIMARY KEY, userid INTEGER, relateduserid INTEGER, action TEXT)`,
	`CREATE TABLE document (id INTEGER PRIMARY KEY, owner INTEGER REFERENCES "user", title TEXT)`,
	`INSERT INTO "user" (id, username) VALUES (1, 'alice'), (2, 'alice.old'), (3, 'carol')`,
	`INSERT INTO course (id, fullname) VALUES (10, 'Algebra'), (20, 'Botany')`,
	`INSERT INTO enrolment (id, user_id, course_id) VALUES (1, 1, 10), (2, 2, 10), (3, 2, 20), (4, 3, 10)`,
	`INSERT INTO profile (id, userid, bio) VALUES (1, 1, 'current'), (2, 2, 'outdated')`,
	`INSERT INTO log (id, userid, relateduserid, action) VALUES (1, 1, NULL, 'login'), (2, 2, 3, 'login'), (3, 2, NULL, 'view'), (4, 3, 2, 'login')`,
	`INSERT INTO document (id, owner, title) VALUES (1, 2, 'notes')`,
}

func openDB(t *testing.T, dsn string, extra ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range append(append([]string(nil), schema...), extra...) {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return db
}

// openMemoryDB keeps a single connection so the in-memory database survives.
func openMemoryDB(t *testing.T, extra ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range append(append([]string(nil), schema...), extra...) {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return db
}

type harness struct {
	db       *sql.DB
	recorder *notify.Recorder
	locker   *lock.Local
}

func newMerger(t *testing.T, h *harness, configure func(*merge.Options)) *merge.Merger {
	t.Helper()
	exec := dbexec.NewStandardExecutor(h.db)
	opts := merge.Options{
		Dialect:      sqlutil.SQLite,
		Exec:         exec,
		Beginner:     exec,
		Introspector: introspection.NewSQLite(h.db),
		Locker:       h.locker,
		LockTimeout:  50 * time.Millisecond,
		Sink:         h.recorder,
		Logger:       slog.New(slog.DiscardHandler),
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := merge.New(opts)
	require.NoError(t, err)
	return m
}

func newHarness(t *testing.T, extra ...string) *harness {
	return &harness{db: openMemoryDB(t, extra...), recorder: &notify.Recorder{}, locker: lock.NewLocal()}
}

func queryInts(t *testing.T, db *sql.DB, query string, args ...any) []int64 {
	t.Helper()
	rows, err := db.Query(query, args...)
	require.NoError(t, err)
	defer rows.Close()
	var values []int64
	for rows.Next() {
		var v int64
		require.NoError(t, rows.Scan(&v))
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	return values
}

func count(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	values := queryInts(t, db, query, args...)
	require.Len(t, values, 1)
	return values[0]
}

// dump renders every user table for byte-level comparison.
func dump(t *testing.T, db *sql.DB) string {
	t.Helper()
	tables, err := introspection.NewSQLite(db).ListTables(context.Background())
	require.NoError(t, err)

	var out string
	for _, table := range tables {
		rows, err := db.Query(fmt.Sprintf(`SELECT * FROM %s ORDER BY rowid`, sqlutil.SQLite.QuoteIdentifier(table)))
		require.NoError(t, err)
		cols, err := rows.Columns()
		require.NoError(t, err)
		out += fmt.Sprintf("%s %v\n", table, cols)
		for rows.Next() {
			values := make([]any, len(cols))
			dest := make([]any, len(cols))
			for i := range values {
				dest[i] = &values[i]
			}
			require.NoError(t, rows.Scan(dest...))
			out += fmt.Sprintf("%#v\n", values)
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
	}
	return out
}

func TestMerge_SQLite(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, nil)

	enrolmentsBefore := count(t, h.db, `SELECT COUNT(*) FROM enrolment`)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeCommitted, report.Outcome)

	t.Run("peer conflict removes the merge row", func(t *testing.T) {
		assert.Equal(t, []int64{1, 3, 4}, queryInts(t, h.db, `SELECT id FROM enrolment ORDER BY id`))
		assert.Equal(t, []int64{1, 1, 3}, queryInts(t, h.db, `SELECT user_id FROM enrolment ORDER BY id`))

		result, ok := report.Table("enrolment")
		require.True(t, ok)
		assert.Equal(t, 1, result.Conflicts)
		assert.Equal(t, int64(1), result.RowsDeleted)
		assert.Equal(t, int64(1), result.RowsUpdated)
		assert.Equal(t, enrolmentsBefore-result.RowsDeleted, count(t, h.db, `SELECT COUNT(*) FROM enrolment`))
	})

	t.Run("identity conflict keeps the base row", func(t *testing.T) {
		assert.Equal(t, []int64{1}, queryInts(t, h.db, `SELECT id FROM profile`))
		assert.Equal(t, int64(1), count(t, h.db, `SELECT COUNT(*) FROM profile WHERE userid = 1 AND bio = 'current'`))
	})

	t.Run("plain references are rewritten", func(t *testing.T) {
		assert.Equal(t, []int64{1, 1, 1, 3}, queryInts(t, h.db, `SELECT userid FROM log ORDER BY id`))
		// relateduserid is not a recognised reference column.
		assert.Equal(t, int64(2), count(t, h.db, `SELECT relateduserid FROM log WHERE id = 4`))
	})

	t.Run("foreign key detection", func(t *testing.T) {
		assert.Equal(t, int64(1), count(t, h.db, `SELECT owner FROM document WHERE id = 1`))
		result, ok := report.Table("document")
		require.True(t, ok)
		assert.Equal(t, []string{"owner"}, result.ReferenceColumns)
	})

	t.Run("no merge references remain", func(t *testing.T) {
		remaining := count(t, h.db, `
			SELECT (SELECT COUNT(*) FROM enrolment WHERE user_id = 2)
			     + (SELECT COUNT(*) FROM profile WHERE userid = 2)
			     + (SELECT COUNT(*) FROM log WHERE userid = 2)
			     + (SELECT COUNT(*) FROM document WHERE owner = 2)`)
		assert.Zero(t, remaining)
		// The entity row stays unless deletion is enabled.
		assert.Equal(t, int64(1), count(t, h.db, `SELECT COUNT(*) FROM "user" WHERE id = 2`))
	})

	t.Run("signals", func(t *testing.T) {
		assert.Equal(t, []string{"course", "document", "enrolment", "log", "profile", "user"},
			h.recorder.Tables(notify.EventTableSucceeded))
		kinds := h.recorder.Kinds()
		assert.Equal(t, []notify.EventKind{notify.EventTransactionSucceeded, notify.EventMergeSucceeded}, kinds[len(kinds)-2:])
		assert.Empty(t, h.recorder.Tables(notify.EventTableFailed))
	})
}

func TestMerge_SQLiteProfileWithoutBaseRow(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, nil)

	_, err := m.Run(context.Background(), merge.Request{BaseID: 3, MergeID: 2})
	require.NoError(t, err)

	// Carol had no profile, so the merge row is moved instead of deleted.
	assert.Equal(t, []int64{1, 3}, queryInts(t, h.db, `SELECT userid FROM profile ORDER BY id`))
	// Carol was already enrolled in course 10.
	assert.Equal(t, []int64{1, 3, 4}, queryInts(t, h.db, `SELECT id FROM enrolment ORDER BY id`))
}

func TestMerge_SQLiteRerunIsNoop(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, nil)
	ctx := context.Background()

	_, err := m.Run(ctx, merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)
	before := dump(t, h.db)

	report, err := m.Run(ctx, merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)
	assert.Equal(t, before, dump(t, h.db))

	deleted, updated := report.Totals()
	assert.Zero(t, deleted)
	assert.Zero(t, updated)
	for _, result := range report.Tables {
		assert.False(t, result.Changed(), result.Table)
	}
}

func TestMerge_SQLiteDeleteMergeEntity(t *testing.T) {
	h := newHarness(t)
	registry, err := merge.BuildRegistry(merge.RegistryConfig{Entity: merge.DefaultEntity(), DeleteMergeEntity: true})
	require.NoError(t, err)
	m := newMerger(t, h, func(o *merge.Options) {
		o.Registry = registry
		o.VerifyEntities = true
	})
	ctx := context.Background()

	report, err := m.Run(ctx, merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, queryInts(t, h.db, `SELECT id FROM "user" ORDER BY id`))

	result, ok := report.Table("user")
	require.True(t, ok)
	assert.Equal(t, merge.TierCore, result.Tier)
	assert.Equal(t, int64(1), result.RowsDeleted)
	// The entity row goes last, after every reference has moved.
	assert.Equal(t, "user", report.Tables[len(report.Tables)-1].Table)

	_, err = m.Run(ctx, merge.Request{BaseID: 1, MergeID: 2})
	assert.ErrorIs(t, err, merge.ErrEntityNotFound)
}

func TestMerge_SQLiteFailureRollsBack(t *testing.T) {
	h := newHarness(t,
		`CREATE TABLE zz_broken (id INTEGER PRIMARY KEY, userid INTEGER)`,
		`INSERT INTO zz_broken (id, userid) VALUES (1, 2)`,
		`CREATE TRIGGER zz_broken_guard BEFORE UPDATE ON zz_broken BEGIN SELECT RAISE(ABORT, 'zz_broken is read-only'); END`,
	)
	m := newMerger(t, h, nil)
	before := dump(t, h.db)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})

	var execErr *merge.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "zz_broken", execErr.Table)
	assert.ErrorContains(t, err, "read-only")

	assert.Equal(t, before, dump(t, h.db))
	assert.Equal(t, merge.OutcomeFailed, report.Outcome)
	assert.Equal(t, "zz_broken", report.FailedTable)
	assert.Equal(t, merge.TierGeneric, report.FailedTier)
	assert.True(t, report.Reached(merge.StateRolledBack))
	assert.Equal(t, merge.StateLockReleased, report.State())

	assert.Equal(t, []string{"zz_broken"}, h.recorder.Tables(notify.EventTableFailed))
	kinds := h.recorder.Kinds()
	assert.Equal(t, notify.EventMergeFailed, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, notify.EventTransactionSucceeded)
}

func TestMerge_SQLiteDryRun(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, nil)
	before := dump(t, h.db)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, before, dump(t, h.db))
	assert.Equal(t, merge.OutcomeDryRun, report.Outcome)
	assert.True(t, report.Reached(merge.StateRolledBack))
	assert.False(t, report.Reached(merge.StateCommitted))

	deleted, updated := report.Totals()
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, int64(4), updated)

	kinds := h.recorder.Kinds()
	assert.Equal(t, notify.EventMergeSucceeded, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, notify.EventTransactionSucceeded)
}

func TestMerge_SQLiteLockHeld(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, nil)
	before := dump(t, h.db)

	held, err := h.locker.Acquire(context.Background(), lock.Key(lock.ScopeGlobal, ""), time.Second)
	require.NoError(t, err)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	require.ErrorIs(t, err, merge.ErrLockUnavailable)
	assert.False(t, report.Reached(merge.StateLocked))
	assert.Equal(t, before, dump(t, h.db))
	assert.Empty(t, h.recorder.Events())

	require.NoError(t, held.Release(context.Background()))
	_, err = m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	assert.NoError(t, err)
}

func TestMerge_SQLitePreconditions(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, func(o *merge.Options) { o.VerifyEntities = true })
	before := dump(t, h.db)

	tests := []struct {
		name string
		req  merge.Request
		want error
	}{
		{name: "same entity", req: merge.Request{BaseID: 1, MergeID: 1}, want: merge.ErrSameEntity},
		{name: "invalid id", req: merge.Request{BaseID: 1, MergeID: 0}, want: merge.ErrInvalidEntity},
		{name: "unknown base", req: merge.Request{BaseID: 99, MergeID: 2}, want: merge.ErrEntityNotFound},
		{name: "unknown merge", req: merge.Request{BaseID: 1, MergeID: 99}, want: merge.ErrEntityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Run(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, before, dump(t, h.db))
	assert.Empty(t, h.recorder.Events())
}

func forumSchema() []string {
	return []string{
		`CREATE TABLE forum_posts (id INTEGER PRIMARY KEY, userid INTEGER, editorid INTEGER)`,
		`INSERT INTO forum_posts (id, userid, editorid) VALUES (1, 2, 2), (2, 3, 2)`,
	}
}

func forumExtension() merge.Extension {
	return merge.ExtensionFunc{
		ExtensionName: "forum",
		Deliver: func(_ context.Context, baseID, mergeID int64) (map[string][]merge.Operation, error) {
			return map[string][]merge.Operation{
				"forum_posts": {merge.Custom("forum_posts", `UPDATE forum_posts SET editorid = ? WHERE editorid = ?`, baseID, mergeID)},
			}, nil
		},
	}
}

func TestMerge_SQLiteExtensions(t *testing.T) {
	t.Run("extension owns its table", func(t *testing.T) {
		h := newHarness(t, forumSchema()...)
		m := newMerger(t, h, func(o *merge.Options) { o.Extensions = []merge.Extension{forumExtension()} })

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		require.NoError(t, err)

		assert.Equal(t, []int64{1, 1}, queryInts(t, h.db, `SELECT editorid FROM forum_posts ORDER BY id`))
		// The generic tier skips tables an extension handled.
		assert.Equal(t, []int64{2, 3}, queryInts(t, h.db, `SELECT userid FROM forum_posts ORDER BY id`))

		result, ok := report.Table("forum_posts")
		require.True(t, ok)
		assert.Equal(t, merge.TierExtension, result.Tier)
		require.Len(t, result.Statements, 1)
		assert.Equal(t, merge.OpCustom, result.Statements[0].Kind)
		assert.Equal(t, int64(2), result.Statements[0].RowsAffected)
	})

	t.Run("disabled extension falls back to generic", func(t *testing.T) {
		h := newHarness(t, forumSchema()...)
		m := newMerger(t, h, func(o *merge.Options) {
			o.Extensions = []merge.Extension{forumExtension()}
			o.DisabledExtensions = []string{"forum"}
		})

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, queryInts(t, h.db, `SELECT userid FROM forum_posts ORDER BY id`))
		assert.Equal(t, []int64{2, 2}, queryInts(t, h.db, `SELECT editorid FROM forum_posts ORDER BY id`))

		result, ok := report.Table("forum_posts")
		require.True(t, ok)
		assert.Equal(t, merge.TierGeneric, result.Tier)
	})

	t.Run("extension sees the run context", func(t *testing.T) {
		h := newHarness(t)
		var runID string
		spy := merge.ExtensionFunc{
			ExtensionName: "context_spy",
			Deliver: func(ctx context.Context, _, _ int64) (map[string][]merge.Operation, error) {
				runID = logging.GetRunID(ctx)
				assert.NotNil(t, logging.FromContext(ctx))
				return nil, nil
			},
		}
		m := newMerger(t, h, func(o *merge.Options) { o.Extensions = []merge.Extension{spy} })

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		require.NoError(t, err)
		assert.Equal(t, report.RunID, runID)
	})

	t.Run("unknown table aborts", func(t *testing.T) {
		h := newHarness(t)
		m := newMerger(t, h, func(o *merge.Options) { o.Extensions = []merge.Extension{forumExtension()} })
		before := dump(t, h.db)

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		var schemaErr *merge.SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, "forum_posts", schemaErr.Table)
		assert.Equal(t, merge.TierExtension, report.FailedTier)
		assert.Equal(t, []string{"forum_posts"}, h.recorder.Tables(notify.EventTableFailed))
		assert.Equal(t, before, dump(t, h.db))
	})

	t.Run("delivery error aborts", func(t *testing.T) {
		h := newHarness(t, forumSchema()...)
		broken := merge.ExtensionFunc{
			ExtensionName: "gradebook",
			Deliver: func(context.Context, int64, int64) (map[string][]merge.Operation, error) {
				return nil, errors.New("plugin not installed")
			},
		}
		m := newMerger(t, h, func(o *merge.Options) { o.Extensions = []merge.Extension{broken} })
		before := dump(t, h.db)

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		var extErr *merge.ExtensionError
		require.ErrorAs(t, err, &extErr)
		assert.Equal(t, "gradebook", extErr.Extension)
		assert.Equal(t, "gradebook", report.FailedTable)
		assert.Equal(t, merge.TierExtension, report.FailedTier)
		assert.Equal(t, before, dump(t, h.db))
	})
}

func TestMerge_SQLiteCoreHandlers(t *testing.T) {
	t.Run("override columns", func(t *testing.T) {
		h := newHarness(t)
		registry, err := merge.BuildRegistry(merge.RegistryConfig{
			Entity:     merge.DefaultEntity(),
			CoreTables: map[string][]string{"log": {"relateduserid"}},
		})
		require.NoError(t, err)
		m := newMerger(t, h, func(o *merge.Options) { o.Registry = registry })

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count(t, h.db, `SELECT relateduserid FROM log WHERE id = 4`))
		// Only the configured column is rewritten.
		assert.Equal(t, []int64{1, 2, 2, 3}, queryInts(t, h.db, `SELECT userid FROM log ORDER BY id`))

		result, ok := report.Table("log")
		require.True(t, ok)
		assert.Equal(t, merge.TierCore, result.Tier)
	})

	t.Run("not applicable falls back to generic", func(t *testing.T) {
		h := newHarness(t)
		registry, err := merge.BuildRegistry(merge.RegistryConfig{Entity: merge.DefaultEntity()})
		require.NoError(t, err)
		registry.Register("log", func(context.Context, merge.HandlerContext) (*merge.TablePlan, error) {
			return nil, merge.ErrNotApplicable
		})
		m := newMerger(t, h, func(o *merge.Options) { o.Registry = registry })

		report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 1, 1, 3}, queryInts(t, h.db, `SELECT userid FROM log ORDER BY id`))

		result, ok := report.Table("log")
		require.True(t, ok)
		assert.Equal(t, merge.TierGeneric, result.Tier)
	})

	t.Run("registered table missing from schema", func(t *testing.T) {
		h := newHarness(t)
		registry, err := merge.BuildRegistry(merge.RegistryConfig{Entity: merge.DefaultEntity(), Profile: "moodle"})
		require.NoError(t, err)
		m := newMerger(t, h, func(o *merge.Options) { o.Registry = registry })

		_, err = m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
		var schemaErr *merge.SchemaError
		assert.ErrorAs(t, err, &schemaErr)
	})
}

func TestMerge_SQLiteTableFilter(t *testing.T) {
	h := newHarness(t)
	m := newMerger(t, h, func(o *merge.Options) {
		o.Filter.DenyTables = []string{"log"}
		o.Filter.DenyColumns = map[string][]string{"document": {"owner"}}
	})

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 2, 3}, queryInts(t, h.db, `SELECT userid FROM log ORDER BY id`))
	assert.Equal(t, int64(2), count(t, h.db, `SELECT owner FROM document WHERE id = 1`))
	_, ok := report.Table("log")
	assert.False(t, ok)
}

func TestMerge_SQLiteOuterTransaction(t *testing.T) {
	h := &harness{
		db:       openDB(t, filepath.Join(t.TempDir(), "merge.db")),
		recorder: &notify.Recorder{},
		locker:   lock.NewLocal(),
	}
	m := newMerger(t, h, nil)
	before := dump(t, h.db)

	ctx := context.Background()
	outer, err := dbexec.NewStandardExecutor(h.db).BeginTx(ctx)
	require.NoError(t, err)

	report, err := m.Run(dbexec.WithTx(ctx, outer), merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeCommitted, report.Outcome)

	// The outer owner decides: rolling it back discards the merge.
	require.NoError(t, outer.Rollback())
	assert.Equal(t, before, dump(t, h.db))
}

func TestMerge_SQLitePartialUniqueIndex(t *testing.T) {
	h := newHarness(t,
		`CREATE TABLE badge (id INTEGER PRIMARY KEY, userid INTEGER NOT NULL, active INTEGER NOT NULL)`,
		`CREATE UNIQUE INDEX badge_active ON badge (userid) WHERE active = 1`,
		`INSERT INTO badge (id, userid, active) VALUES (1, 1, 1), (2, 2, 0)`,
	)
	m := newMerger(t, h, nil)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)

	// The inactive row collides with nothing, so it is moved, not deleted.
	assert.Equal(t, []int64{1, 1}, queryInts(t, h.db, `SELECT userid FROM badge ORDER BY id`))
	result, ok := report.Table("badge")
	require.True(t, ok)
	assert.Zero(t, result.RowsDeleted)
	assert.Equal(t, int64(1), result.RowsUpdated)
}

func TestMerge_SQLiteExpressionUniqueIndex(t *testing.T) {
	h := newHarness(t,
		`CREATE TABLE tag (id INTEGER PRIMARY KEY, userid INTEGER NOT NULL, code TEXT NOT NULL)`,
		`CREATE UNIQUE INDEX tag_code ON tag (userid, lower(code))`,
		`INSERT INTO tag (id, userid, code) VALUES (1, 1, 'A'), (2, 2, 'b')`,
	)
	m := newMerger(t, h, nil)

	_, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, queryInts(t, h.db, `SELECT userid FROM tag ORDER BY id`))
}

func TestMerge_SQLiteExpressionUniqueIndexCollisionRollsBack(t *testing.T) {
	h := newHarness(t,
		`CREATE TABLE tag (id INTEGER PRIMARY KEY, userid INTEGER NOT NULL, code TEXT NOT NULL)`,
		`CREATE UNIQUE INDEX tag_code ON tag (userid, lower(code))`,
		`INSERT INTO tag (id, userid, code) VALUES (1, 1, 'A'), (2, 2, 'a')`,
	)
	m := newMerger(t, h, nil)
	before := dump(t, h.db)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})

	var execErr *merge.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "tag", execErr.Table)
	assert.True(t, merge.IsDuplicateKey(err))
	assert.Equal(t, merge.OutcomeFailed, report.Outcome)
	assert.Equal(t, before, dump(t, h.db))
}
