package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres uses session-level advisory locks keyed by hashtext(key).
type Postgres struct {
	db           ConnProvider
	pollInterval time.Duration
}

// NewPostgres creates a PostgreSQL advisory lock backend.
func NewPostgres(db ConnProvider) *Postgres {
	return &Postgres{db: db, pollInterval: defaultPollInterval}
}

func (p *Postgres) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	err = poll(ctx, timeout, p.pollInterval, func(ctx context.Context) (bool, error) {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&acquired); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock failed: %w", err)
		}
		return acquired, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &postgresLock{conn: conn, key: key}, nil
}

type postgresLock struct {
	conn *sql.Conn
	key  string
}

func (l *postgresLock) Key() string { return l.key }

func (l *postgresLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer func() {
		_ = conn.Close()
	}()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.key).Scan(&released); err != nil {
		return fmt.Errorf("pg_advisory_unlock failed: %w", err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
