// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kvstore

import (
	"database/sql"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);`

// SQLiteStore keeps values in a single sqlite table. Writes are committed
// with synchronous=FULL so a successful Set survives a crash.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens, creating if needed, the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q", path)
	}
	// A single connection serialises writers; sqlite would otherwise
	// return SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "creating schema in %q", path)
	}
	return &SQLiteStore{db: db}, nil
}

// Get is part of the Store interface.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("key %q", key)
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading key %q", key)
	}
	return value, nil
}

// Set is part of the Store interface.
func (s *SQLiteStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Annotatef(err, "writing key %q", key)
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return errors.Trace(s.db.Close())
}
