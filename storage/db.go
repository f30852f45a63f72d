package storage

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// The ledger uses it for the trie node store and for a handful of raw keys
// (head state root, genesis marker) that live outside the trie.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// TrieDB exposes the trie node database layered over the same backend.
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// kvDatabase adapts a go-ethereum ethdb.Database to the Database interface.
type kvDatabase struct {
	db     ethdb.Database
	trieDB *triedb.Database
}

func newKVDatabase(db ethdb.Database) kvDatabase {
	return kvDatabase{
		db:     db,
		trieDB: triedb.NewDatabase(db, triedb.HashDefaults),
	}
}

func (k kvDatabase) Put(key []byte, value []byte) error {
	return k.db.Put(key, value)
}

func (k kvDatabase) Get(key []byte) ([]byte, error) {
	ok, err := k.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	value, err := k.db.Get(key)
	if errors.Is(err, lerrors.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (k kvDatabase) Has(key []byte) (bool, error) {
	return k.db.Has(key)
}

func (k kvDatabase) Delete(key []byte) error {
	return k.db.Delete(key)
}

func (k kvDatabase) TrieDB() *triedb.Database {
	return k.trieDB
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	kvDatabase
}

func NewMemDB() *MemDB {
	return &MemDB{kvDatabase: newKVDatabase(rawdb.NewMemoryDatabase())}
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	_ = db.trieDB.Close()
	_ = db.db.Close()
}

// --- Persistent DB ---

const (
	levelDBCacheMB   = 16
	levelDBHandles   = 64
	levelDBNamespace = "podescrow/db/"
)

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	kvDatabase
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := leveldb.New(path, levelDBCacheMB, levelDBHandles, levelDBNamespace, false)
	if err != nil {
		return nil, err
	}
	return &LevelDB{kvDatabase: newKVDatabase(rawdb.NewDatabase(kv))}, nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	_ = ldb.trieDB.Close()
	_ = ldb.db.Close()
}

// Open returns the backend named by kind ("leveldb" or "memory").
func Open(kind, path string) (Database, error) {
	switch kind {
	case "", "leveldb":
		return NewLevelDB(path)
	case "memory":
		return NewMemDB(), nil
	default:
		return nil, errors.New("storage: unknown backend " + kind)
	}
}
