// Package sqlstore is a SQLite-backed reference implementation of the
// cache's backing-store callbacks.
//
// It exists so the cache's Read/Write/Delete callback contracts can be
// exercised against a real, persistent store: the mmcache CLI attaches one
// with --store, and the integration tests assert writeback and delete
// semantics against it. Values are byte strings (use it behind a strings
// cache, or with a codec whose output you want stored verbatim).
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/mmapcache"
)

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
// After this, operations return SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// Store is an open backing store. Safe for concurrent use; the single
// SQLite connection serializes access.
type Store struct {
	db         *sql.DB
	instanceID uuid.UUID

	reads   atomic.Int64
	writes  atomic.Int64
	deletes atomic.Int64
}

// Open opens or creates the store database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlstore: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.Ping()
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	_, err = db.Exec(fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);
	`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create schema: %w", err)
	}

	id, err := ensureInstanceID(db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db, instanceID: id}, nil
}

// ensureInstanceID reads the store's instance id, minting a time-ordered
// UUIDv7 on first open so diagnostics can tell store files apart.
func ensureInstanceID(db *sql.DB) (uuid.UUID, error) {
	var stored string

	err := db.QueryRow(`SELECT v FROM meta WHERE k = 'instance_id'`).Scan(&stored)
	if err == nil {
		id, perr := uuid.Parse(stored)
		if perr != nil {
			return uuid.UUID{}, fmt.Errorf("parse instance id %q: %w", stored, perr)
		}

		return id, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.UUID{}, fmt.Errorf("read instance id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("generate uuidv7: %w", err)
	}

	_, err = db.Exec(`INSERT INTO meta (k, v) VALUES ('instance_id', ?)`, id.String())
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("store instance id: %w", err)
	}

	return id, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}

	return nil
}

// InstanceID returns the store's persistent UUIDv7 identity.
func (s *Store) InstanceID() uuid.UUID {
	return s.instanceID
}

// Get fetches a value directly, bypassing any cache in front.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.reads.Add(1)

	var value []byte

	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}

	return value, true, nil
}

// Put upserts a value directly.
func (s *Store) Put(key string, value []byte) error {
	s.writes.Add(1)

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}

	return nil
}

// Remove deletes a key directly.
func (s *Store) Remove(key string) error {
	s.deletes.Add(1)

	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	return nil
}

// Reads returns the number of Get calls (including callback-driven ones).
func (s *Store) Reads() int64 { return s.reads.Load() }

// Writes returns the number of Put calls.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Deletes returns the number of Remove calls.
func (s *Store) Deletes() int64 { return s.deletes.Load() }

// ReadFunc adapts the store to the cache's miss-fetch contract.
func (s *Store) ReadFunc() mmapcache.ReadFunc {
	return func(key string, _ any) (any, bool, error) {
		value, found, err := s.Get(key)
		if err != nil || !found {
			return nil, found, err
		}

		return string(value), true, nil
	}
}

// WriteFunc adapts the store to the cache's commit contract, covering both
// write-through and eviction-time writeback.
func (s *Store) WriteFunc() mmapcache.WriteFunc {
	return func(key string, value any, _ any) error {
		data, err := valueBytes(value)
		if err != nil {
			return err
		}

		return s.Put(key, data)
	}
}

// DeleteFunc adapts the store to the cache's delete contract.
func (s *Store) DeleteFunc() mmapcache.DeleteFunc {
	return func(key string, _ any, _ any) error {
		return s.Remove(key)
	}
}

// valueBytes converts a callback value to its stored byte form.
func valueBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.New("sqlstore: nil value")
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported value type %T", value)
	}
}
