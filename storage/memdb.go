package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/luxfi/database"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// MemDB adapts an in-memory goleveldb instance to database.Database,
// the test/harness backend for the column store so unit tests don't
// depend on a pebble data directory.
type MemDB struct {
	db *leveldb.DB
}

// NewMemDB opens an in-memory leveldb instance.
func NewMemDB() (*MemDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memdb")
	}
	return &MemDB{db: db}, nil
}

func (m *MemDB) Has(key []byte) (bool, error) {
	return m.db.Has(key, nil)
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	v, err := m.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (m *MemDB) Put(key, value []byte) error {
	return m.db.Put(key, value, nil)
}

func (m *MemDB) Delete(key []byte) error {
	return m.db.Delete(key, nil)
}

func (m *MemDB) NewBatch() database.Batch {
	return &memBatch{db: m.db, batch: new(leveldb.Batch)}
}

func (m *MemDB) Close() error {
	return m.db.Close()
}

type memBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *memBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (b *memBatch) Write() error {
	return b.db.Write(b.batch, nil)
}

func (b *memBatch) Reset() {
	b.batch.Reset()
}

func (b *memBatch) Size() int {
	return b.batch.Len()
}
