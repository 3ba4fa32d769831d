package boltdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlys-org/atlys/keyvaluedb"
	"github.com/atlys-org/atlys/types"
)

func initBoltDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func isEmpty(t *testing.T, db *BoltDB) bool {
	t.Helper()
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	return empty
}

func TestBoltDB_InvalidPath(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "missing", "dir", "bolt.db"))
	require.Error(t, err)
	require.Nil(t, db)
}

func TestBoltDB_ReadWriteDelete(t *testing.T) {
	db := initBoltDB(t)

	var block types.Block
	found, err := db.Read([]byte("block"), &block)
	require.NoError(t, err)
	require.False(t, found)

	g := types.NewGenesisBlock(1)
	g.Hash = g.CalculateHash()
	require.NoError(t, db.Write([]byte("block"), g))

	found, err = db.Read([]byte("block"), &block)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, g.Hash, block.Hash)
	require.NoError(t, block.IsValid())

	require.NoError(t, db.Delete([]byte("block")))
	found, err = db.Read([]byte("block"), &block)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBoltDB_InvalidArguments(t *testing.T) {
	db := initBoltDB(t)
	var s string
	_, err := db.Read(nil, &s)
	require.ErrorIs(t, err, keyvaluedb.ErrInvalidKey)
	_, err = db.Read([]byte("k"), nil)
	require.ErrorIs(t, err, keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Write([]byte{}, "v"), keyvaluedb.ErrInvalidKey)
	var nilPtr *types.Block
	require.ErrorIs(t, db.Write([]byte("k"), nilPtr), keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Delete(nil), keyvaluedb.ErrInvalidKey)
}

func TestBoltDB_Reopen(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bolt.db")
	db, err := New(fn)
	require.NoError(t, err)
	require.Equal(t, fn, db.Path())
	require.NoError(t, db.Write([]byte{0, 1}, uint64(42)))
	require.NoError(t, db.Close())

	db, err = New(fn)
	require.NoError(t, err)
	defer db.Close()
	var v uint64
	found, err := db.Read([]byte{0, 1}, &v)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 42, v)
}

func TestBoltDB_ReadOnly(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bolt.db")

	// read-only mode doesn't create the file
	_, err := New(fn, ReadOnly())
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoFileExists(t, fn)

	db, err := New(fn)
	require.NoError(t, err)
	require.True(t, isEmpty(t, db))
	require.NoError(t, db.Write([]byte{1}, "one"))
	require.NoError(t, db.Close())

	ro, err := New(fn, ReadOnly(), WithLockTimeout(time.Second))
	require.NoError(t, err)
	defer ro.Close()
	// shared lock, second reader can open the same file
	ro2, err := New(fn, ReadOnly())
	require.NoError(t, err)
	require.NoError(t, ro2.Close())

	var v string
	found, err := ro.Read([]byte{1}, &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "one", v)
	require.False(t, isEmpty(t, ro))

	require.ErrorIs(t, ro.Write([]byte{2}, "two"), ErrReadOnly)
	require.ErrorIs(t, ro.Delete([]byte{1}), ErrReadOnly)
}
