package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key is absent from the store.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the protocol to use any database backend (in-memory or persistent).
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// NewBatch returns a write set that is applied atomically by Write.
	NewBatch() Batch
	Close() // A way to gracefully shut down the database connection.
}

// Batch buffers writes until Write applies all of them in one step.
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Len() int
	Write() error
}

type batchOp struct {
	key    string
	value  []byte
	delete bool
}

// opBatch records operations in order; backends replay them atomically.
type opBatch struct {
	ops   []batchOp
	apply func([]batchOp) error
}

func (b *opBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *opBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: string(key), delete: true})
}

func (b *opBatch) Len() int { return len(b.ops) }

func (b *opBatch) Write() error {
	if len(b.ops) == 0 {
		return nil
	}
	return b.apply(b.ops)
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		db.mu.Lock()
		defer db.mu.Unlock()
		for _, op := range ops {
			if op.delete {
				delete(db.data, op.key)
				continue
			}
			db.data[op.key] = op.value
		}
		return nil
	}}
}

// Keys returns the stored keys in lexical order. Used by tests.
func (db *MemDB) Keys() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0, len(db.data))
	for k := range db.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Delete removes the key. Deleting a missing key is not an error.
func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

// NewBatch returns a batch backed by leveldb.Batch.
func (ldb *LevelDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		batch := new(leveldb.Batch)
		for _, op := range ops {
			if op.delete {
				batch.Delete([]byte(op.key))
				continue
			}
			batch.Put([]byte(op.key), op.value)
		}
		return ldb.db.Write(batch, nil)
	}}
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

var boltBucket = []byte("state")

// BoltDB is a persistent single-file key-value store using bbolt.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates) the bbolt file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

// NewBatch returns a batch applied inside a single bolt write transaction.
func (b *BoltDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(boltBucket)
			for _, op := range ops {
				var err error
				if op.delete {
					err = bucket.Delete([]byte(op.key))
				} else {
					err = bucket.Put([]byte(op.key), op.value)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}}
}

func (b *BoltDB) Close() {
	_ = b.db.Close()
}
