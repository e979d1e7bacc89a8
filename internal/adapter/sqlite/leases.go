package sqlite

import (
	"context"
	"time"
)

// LeaseStore implements lock.Store with rows in the leases table. A
// lease can be taken over once its expiry has passed.
type LeaseStore struct {
	db *DB
}

// NewLeaseStore returns a lease store backed by db.
func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// TryAcquire inserts a lease for key, or replaces an expired one.
func (s *LeaseStore) TryAcquire(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (key, token, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     token = excluded.token,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ?`,
		key, token, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if busy(err) {
			// Another writer holds the database; treat as contended.
			return false, nil
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Release deletes the lease if token still owns it.
func (s *LeaseStore) Release(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE key = ? AND token = ?`, key, token)
	return err
}
