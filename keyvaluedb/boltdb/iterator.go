package boltdb

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

/*
Itr holds read-only Bolt transaction open until Close is called.
*/
type Itr struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	decoder DecodeFn
	key     []byte
	value   []byte
}

// NewIterator returns invalid iterator when read transaction can't be started.
func NewIterator(db *bolt.DB, bucket []byte, d DecodeFn) *Itr {
	it, err := newIterator(db, bucket, d)
	if err != nil {
		return &Itr{}
	}
	return it
}

func newIterator(db *bolt.DB, bucket []byte, d DecodeFn) (*Itr, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	tx, err := db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("starting read tx: %w", err)
	}
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, errors.Join(fmt.Errorf("bucket %q not found", bucket), tx.Rollback())
	}
	return &Itr{tx: tx, cursor: b.Cursor(), decoder: d}, nil
}

func (it *Itr) first() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.First()
	}
}

func (it *Itr) last() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Last()
	}
}

func (it *Itr) seek(key []byte) {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Seek(key)
	}
}

func (it *Itr) Next() {
	if it.Valid() {
		it.key, it.value = it.cursor.Next()
	}
}

func (it *Itr) Prev() {
	if it.Valid() {
		it.key, it.value = it.cursor.Prev()
	}
}

func (it *Itr) Valid() bool {
	return it.tx != nil && it.key != nil
}

func (it *Itr) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return errors.New("iterator invalid")
	}
	return it.decoder(it.value, v)
}

func (it *Itr) Close() error {
	if it.tx == nil {
		return nil
	}
	err := it.tx.Rollback()
	it.tx, it.cursor, it.key, it.value = nil, nil, nil, nil
	return err
}
