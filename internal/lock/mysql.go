package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// mysqlMaxLockName is the longest name GET_LOCK accepts.
const mysqlMaxLockName = 64

// ConnProvider hands out dedicated connections. *sql.DB satisfies it.
type ConnProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// MySQL uses GET_LOCK/RELEASE_LOCK. Named locks belong to a session, so each
// held lock pins its own connection until release.
type MySQL struct {
	db ConnProvider
}

// NewMySQL creates a MySQL/TiDB named lock backend.
func NewMySQL(db ConnProvider) *MySQL {
	return &MySQL{db: db}
}

func (m *MySQL) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	name := mysqlLockName(key)
	seconds := int(math.Ceil(timeout.Seconds()))

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("GET_LOCK failed: %w", err)
	}
	if !acquired.Valid {
		_ = conn.Close()
		return nil, fmt.Errorf("GET_LOCK returned NULL for %s", name)
	}
	if acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrUnavailable
	}
	return &mysqlLock{conn: conn, key: key, name: name}, nil
}

type mysqlLock struct {
	conn *sql.Conn
	key  string
	name string
}

func (l *mysqlLock) Key() string { return l.key }

func (l *mysqlLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer func() {
		_ = conn.Close()
	}()

	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released); err != nil {
		return fmt.Errorf("RELEASE_LOCK failed: %w", err)
	}
	if !released.Valid || released.Int64 != 1 {
		return ErrNotHeld
	}
	return nil
}

func mysqlLockName(key string) string {
	if len(key) <= mysqlMaxLockName {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
