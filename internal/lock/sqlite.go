package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteTable holds one row per held lock.
const SQLiteTable = "merge2users_lock"

const defaultSQLiteTTL = time.Hour

// Execer runs a statement. *sql.DB satisfies it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLite keeps locks as rows in SQLiteTable, so separate processes working on
// the same database file exclude each other. A row left behind by a crashed
// run can be taken over once its ttl has passed.
type SQLite struct {
	db  Execer
	ttl time.Duration
	now func() time.Time

	once    sync.Once
	initErr error
}

// NewSQLite creates a table-backed lock. A non-positive ttl means one hour.
func NewSQLite(db Execer, ttl time.Duration) *SQLite {
	if ttl <= 0 {
		ttl = defaultSQLiteTTL
	}
	return &SQLite{db: db, ttl: ttl, now: time.Now}
}

func (s *SQLite) ensureTable(ctx context.Context) error {
	s.once.Do(func() {
		_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+SQLiteTable+` (
			lock_key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`)
		if err != nil {
			s.initErr = fmt.Errorf("failed to create lock table: %w", err)
		}
	})
	return s.initErr
}

func (s *SQLite) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	err := poll(ctx, timeout, defaultPollInterval, func(ctx context.Context) (bool, error) {
		now := s.now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO `+SQLiteTable+` (lock_key, token, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
			WHERE `+SQLiteTable+`.expires_at <= ?`,
			key, token, now.Add(s.ttl).UnixMilli(), now.UnixMilli())
		if err != nil {
			if isBusy(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to take lock %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	})
	if err != nil {
		return nil, err
	}
	return &sqliteLock{owner: s, key: key, token: token}, nil
}

// isBusy reports whether another connection holds the database write lock.
func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

type sqliteLock struct {
	owner *SQLite
	key   string
	token string
}

func (l *sqliteLock) Key() string { return l.key }

func (l *sqliteLock) Release(ctx context.Context) error {
	if l.owner == nil {
		return ErrNotHeld
	}
	owner := l.owner
	l.owner = nil

	res, err := owner.db.ExecContext(ctx,
		`DELETE FROM `+SQLiteTable+` WHERE lock_key = ? AND token = ?`, l.key, l.token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}
