// Package sqlite stores jobs, lock leases and queue messages in one
// SQLite database shared by every scanfarm process on a host.
package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    url        TEXT NOT NULL,
    status     TEXT NOT NULL,
    queued     INTEGER,
    data       TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_url ON jobs(url);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS leases (
    key         TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue       TEXT NOT NULL,
    body        BLOB NOT NULL,
    enqueued_at INTEGER NOT NULL,
    visible_at  INTEGER NOT NULL,
    token       TEXT,
    deliveries  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages(queue, visible_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_token ON messages(token);
`

// DB is an open scanfarm database.
type DB struct {
	*sqlx.DB
}

// Open opens the database at path, creating the directory and schema if
// needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{DB: db}, nil
}

// busy reports whether err is SQLite asking the caller to come back
// later.
func busy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// throttled maps contention errors to queue.ErrThrottled.
func throttled(err error) error {
	if err != nil && busy(err) {
		return fmt.Errorf("%w: %v", queue.ErrThrottled, err)
	}
	return err
}
