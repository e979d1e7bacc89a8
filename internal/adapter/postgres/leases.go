// Package postgres provides a lease store for deployments whose
// workers run on more than one host.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS scanfarm_leases (
    key         TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
)`

// LeaseStore implements lock.Store on a Postgres table.
type LeaseStore struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the lease table if needed.
func Open(ctx context.Context, dsn string) (*LeaseStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &LeaseStore{pool: pool}, nil
}

// Close closes the pool.
func (s *LeaseStore) Close() {
	s.pool.Close()
}

// TryAcquire inserts a lease for key, or replaces an expired one.
func (s *LeaseStore) TryAcquire(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scanfarm_leases (key, token, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
		     token = EXCLUDED.token,
		     acquired_at = EXCLUDED.acquired_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE scanfarm_leases.expires_at <= $3`,
		key, token, now, now.Add(ttl),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lease if token still owns it.
func (s *LeaseStore) Release(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scanfarm_leases WHERE key = $1 AND token = $2`, key, token)
	return err
}
