package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps all stores in a single SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var sqliteSchema = []string{
	"CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY, created INTEGER)",
	"CREATE TABLE IF NOT EXISTS entries (store TEXT, key TEXT, stored_at INTEGER, bytes BLOB, PRIMARY KEY (store, key))",
	"PRAGMA journal_mode=WAL",
}

// NewSQLiteStorage opens (or creates) the database at the given file name.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filename, err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("preparing %s: %w", filename, err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var found int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stores WHERE name = ?", name).Scan(&found)
	return found > 0, err
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// SQLiteStore is a single store inside a SQLiteStorage.
// Writes to a store that has been deleted are dropped.
type SQLiteStore struct {
	storage *SQLiteStorage
	name    string
}

const insertEntry = `INSERT OR REPLACE INTO entries (store, key, stored_at, bytes)
SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`

func (s *SQLiteStore) Name() string {
	return s.name
}

func (s *SQLiteStore) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	// substr instead of LIKE, URLs are full of wildcard characters
	rows, err := s.storage.db.Query(
		"SELECT key, stored_at, bytes FROM entries WHERE store = ? AND substr(key, 1, length(?)) = ? ORDER BY key",
		s.name, prefix, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(storedAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Put(entry CacheEntry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.Exec(insertEntry, s.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, s.name)
	return err
}

func (s *SQLiteStore) PutAll(entries []CacheEntry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	tx, err := s.storage.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		if _, err := tx.Exec(insertEntry, s.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, s.name); err != nil {
			return fmt.Errorf("writing %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Purge(key string) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	return err
}

func (s *SQLiteStore) Keys(cb func(string)) error {
	rows, err := s.storage.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
