// Package store implements the durable blob map over an embedded SQLite
// database: a single table mapping the raw 32-byte key to its opaque
// value. This mirrors the original implementation's SqliteBackend, minus
// the "study"/"studyEntry" tables introduced by later schema migrations,
// which the core protocol never reads or writes.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrKeyTaken is returned by Insert when the key already has a value.
var ErrKeyTaken = errors.New("store: key already in use")

const schemaVersion = 1

// BlobStore is the durable key/value map backing the protocol's Store,
// Get and Delete operations.
type BlobStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema is in place.
func Open(path string) (*BlobStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Exactly one writer talks to this database (the core goroutine); a
	// wide connection pool only adds contention for no benefit.
	db.SetMaxOpenConns(1)

	s := &BlobStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) migrate() error {
	var uv int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&uv); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if uv == schemaVersion {
		return nil
	}
	if uv != 0 {
		return fmt.Errorf("store: unsupported schema version %d", uv)
	}
	if _, err := s.db.Exec(`CREATE TABLE kv (key BLOB PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return nil
}

// Insert stores value under key, failing with ErrKeyTaken if key already
// has a value. The insert is committed (WAL + synchronous=FULL) before
// this call returns.
func (s *BlobStore) Insert(key, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrKeyTaken
		}
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// Get returns the value stored under key, and false if no such key exists.
func (s *BlobStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return value, true, nil
}

// Delete removes key's entry, reporting whether a row existed.
func (s *BlobStore) Delete(key []byte) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("store: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete rows affected: %w", err)
	}
	return n > 0, nil
}

// AllKeys returns every key currently stored, for startup VICBF recovery.
func (s *BlobStore) AllKeys() ([][]byte, error) {
	rows, err := s.db.Query(`SELECT key FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("store: all keys: %w", err)
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Count returns the number of stored blobs without materializing them.
func (s *BlobStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *BlobStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
