package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrStoreNotFound = errors.New("cache store not found")

// CacheStorage is a set of named cache stores.
// Only one store is current for a given worker version, the others are stale.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(name string) (bool, error)
	// Names returns the names of all stores, sorted.
	Names() ([]string, error)
	// Delete removes the store and all of its entries.
	// It returns false if there was no such store.
	Delete(name string) (bool, error)
}

// Store maps request identities (cache keys) to serialized responses.
// A write to an existing key replaces the prior entry.
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// All returns all cache entries that have the specific key prefix
	All(prefix string) ([]CacheEntry, error)
	// Put stores the given entry, replacing any entry with the same key.
	Put(entry CacheEntry) error
	// PutAll stores all entries or none of them.
	PutAll(entries []CacheEntry) error
	// Purge removes the cache entry for the given key.
	Purge(key string) error
	// Keys calls the given callback for each key
	Keys(cb func(string)) error
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memCacheEntry struct {
	storedAt time.Time
	bytes    []byte
}

// MemStorage keeps all stores in memory.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*MemStore
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*MemStore),
	}
}

func (m *MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	store := &MemStore{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
	}
	m.stores[name] = store
	return store, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	return true, nil
}

// MemStore is a single in-memory store.
// A store deleted from its MemStorage keeps working but is no longer reachable by name.
type MemStore struct {
	name  string
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
}

func (m *MemStore) Name() string {
	return m.name
}

func (m *MemStore) All(prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, val := range m.db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, CacheEntry{
				Key:      key,
				Bytes:    val.bytes,
				StoredAt: val.storedAt,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemStore) Put(entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = memCacheEntry{entry.StoredAt, entry.Bytes}
	return nil
}

func (m *MemStore) PutAll(entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, entry := range entries {
		m.db[entry.Key] = memCacheEntry{entry.StoredAt, entry.Bytes}
	}
	return nil
}

func (m *MemStore) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m *MemStore) Keys(cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// OpenExisting opens a store only if it already exists.
func OpenExisting(storage CacheStorage, name string) (Store, error) {
	has, err := storage.Has(name)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrStoreNotFound
	}
	return storage.Open(name)
}
