package boltdb

import (
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atlys-org/atlys/keyvaluedb"
	"github.com/atlys-org/atlys/types"
)

// one bucket per db file, use more than one db file instead of buckets
const defaultBucket = "default"

var ErrReadOnly = errors.New("db is opened in read-only mode")

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	Option func(*options)

	options struct {
		readOnly bool
		timeout  time.Duration
	}

	BoltDB struct {
		db       *bolt.DB
		bucket   []byte
		readOnly bool
		encoder  EncodeFn
		decoder  DecodeFn
	}
)

/*
ReadOnly opens existing DB file in read-only mode, ie shared lock is taken
so other readers can use the same file concurrently. Writes return ErrReadOnly.
*/
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithLockTimeout sets how long to wait for the file lock, by default 3s.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

/*
New opens Bolt DB file "dbFile", the file is created when it doesn't exist
(unless ReadOnly option is used). Values are CBOR encoded.
*/
func New(dbFile string, opts ...Option) (*BoltDB, error) {
	o := options{timeout: 3 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	// bolt opens the file with O_CREATE even in read-only mode
	if o.readOnly {
		if _, err := os.Stat(dbFile); err != nil {
			return nil, fmt.Errorf("opening bolt db %s: %w", dbFile, err)
		}
	}
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: o.timeout, ReadOnly: o.readOnly})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", dbFile, err)
	}
	s := &BoltDB{
		db:       db,
		bucket:   []byte(defaultBucket),
		readOnly: o.readOnly,
		encoder:  types.Cbor.Marshal,
		decoder:  types.Cbor.Unmarshal,
	}
	if !s.readOnly {
		if err = s.createBucket(); err != nil {
			return nil, errors.Join(err, db.Close())
		}
	}
	return s, nil
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) createBucket() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(db.bucket)
		return err
	})
}

func (db *BoltDB) Read(key []byte, v any) (found bool, _ error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	err := db.db.View(func(tx *bolt.Tx) error {
		// bucket is missing when empty file is opened read-only
		b := tx.Bucket(db.bucket)
		if b == nil {
			return nil
		}
		if data := b.Get(key); data != nil {
			found = true
			return db.decoder(data, v)
		}
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("bolt db read failed: %w", err)
	}
	return found, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	if db.readOnly {
		return ErrReadOnly
	}
	data, err := db.encoder(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return db.update(func(b *bolt.Bucket) error { return b.Put(key, data) })
}

func (db *BoltDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if db.readOnly {
		return ErrReadOnly
	}
	return db.update(func(b *bolt.Bucket) error { return b.Delete(key) })
}

func (db *BoltDB) update(f func(b *bolt.Bucket) error) error {
	if err := db.db.Update(func(tx *bolt.Tx) error {
		return f(tx.Bucket(db.bucket))
	}); err != nil {
		return fmt.Errorf("bolt db write failed: %w", err)
	}
	return nil
}

func (db *BoltDB) First() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.first()
	return it
}

func (db *BoltDB) Last() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.last()
	return it
}

func (db *BoltDB) Find(key []byte) keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.seek(key)
	return it
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}
