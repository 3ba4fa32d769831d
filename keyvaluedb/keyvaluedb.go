package keyvaluedb

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrValueIsNil = errors.New("value is nil")
)

// Reader interface for DB
type Reader interface {
	// Read reads the value for key stored in the DB, returns false when key is not found.
	Read(key []byte, value any) (bool, error)
}

// Writer interface for DB
type Writer interface {
	// Write inserts the given value into the DB.
	Write(key []byte, value any) error
	// Delete removes the key from the key-value data store.
	Delete(key []byte) error
}

// KeyValueDB contains all the methods required to access the key-value data store.
type KeyValueDB interface {
	Reader
	Writer
	Iterable
}

type Iterator interface {
	// Next moves the iterator to the next key value pair
	Next()
	// Prev moves the iterator to the previous key value pair
	Prev()
	// Valid returns state of the iterator, if at the end false it returned
	Valid() bool
	// Key returns the key of the current key/value pair, or nil if not valid.
	Key() []byte
	// Value returns the value of the current key/value pair, or error if not valid.
	Value(value any) error
	// Close releases associated resources. Release should always succeed and can
	// be called multiple times without causing error.
	Close() error
}

// Iterable wraps the iterator constructors of a backing data store.
type Iterable interface {
	// First creates a binary-alphabetical iterator starting with first item.
	// If the DB is empty the returned iterator is not valid (it.Valid() == false)
	// NB! when done iterator MUST be released with Close() or next DB operation may deadlock
	First() Iterator
	// Last creates a binary-alphabetical iterator starting with last item.
	Last() Iterator
	// Find returns iterator to the closest binary-alphabetical match (first key >= "key").
	Find(key []byte) Iterator
}

// IsEmpty returns true if the key value DB is empty
func IsEmpty(db KeyValueDB) (empty bool, err error) {
	if db == nil {
		return true, fmt.Errorf("db is nil")
	}
	it := db.First()
	defer func() { err = errors.Join(err, it.Close()) }()
	return !it.Valid(), nil
}

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

func CheckValue(val any) error {
	if val == nil {
		return ErrValueIsNil
	}
	if rv := reflect.ValueOf(val); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ErrValueIsNil
	}
	return nil
}

func CheckKeyAndValue(key []byte, val any) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	return CheckValue(val)
}
