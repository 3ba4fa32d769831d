package memorydb

import (
	"errors"
	"sync"

	"github.com/atlys-org/atlys/keyvaluedb"
	"github.com/atlys-org/atlys/types"
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	MemoryDB struct {
		db       map[string][]byte
		encoder  EncodeFn
		decoder  DecodeFn
		writeErr error
		lock     sync.RWMutex
	}
)

var ErrDiskFull = errors.New("write failed, disk is full")

// New creates a new key value db that uses map as storage and CBOR as value codec.
func New() *MemoryDB {
	return &MemoryDB{
		db:      make(map[string][]byte),
		encoder: types.Cbor.Marshal,
		decoder: types.Cbor.Unmarshal,
	}
}

/*
MockWriteError makes all subsequent writes and deletes fail with "err", nil
restores normal operation. Useful to test disk full scenarios.
*/
func (db *MemoryDB) MockWriteError(err error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.writeErr = err
}

// Empty returns true if no values are stored in db
func (db *MemoryDB) Empty() bool {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return len(db.db) == 0
}

// Read retrieves the given key if it's present in the key-value store.
func (db *MemoryDB) Read(key []byte, value any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	db.lock.RLock()
	defer db.lock.RUnlock()
	if data, ok := db.db[string(key)]; ok {
		return true, db.decoder(data, value)
	}
	return false, nil
}

// Write inserts the given value into the key-value store.
func (db *MemoryDB) Write(key []byte, value any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := db.encoder(value)
	if err != nil {
		return err
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.writeErr != nil {
		return db.writeErr
	}
	db.db[string(key)] = b
	return nil
}

// Delete removes the key from the key-value store.
func (db *MemoryDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.writeErr != nil {
		return db.writeErr
	}
	delete(db.db, string(key))
	return nil
}

// First returns iterator positioned to the first element in DB
func (db *MemoryDB) First() keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.first()
	return it
}

// Last returns iterator positioned to the last element in DB
func (db *MemoryDB) Last() keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.last()
	return it
}

// Find returns the closest binary search match
func (db *MemoryDB) Find(key []byte) keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.seek(key)
	return it
}
