package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atlys-org/atlys/keyvaluedb"
	"github.com/atlys-org/atlys/types"
)

// blockStore keeps blocks in key-value DB keyed by big-endian block index.
type blockStore struct {
	db keyvaluedb.KeyValueDB
}

func blockKey(index uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, index)
}

func (bs blockStore) write(b *types.Block) error {
	if err := bs.db.Write(blockKey(b.Index), b); err != nil {
		return fmt.Errorf("storing block %d: %w", b.Index, err)
	}
	return nil
}

func (bs blockStore) read(index uint64) (*types.Block, error) {
	b := &types.Block{}
	found, err := bs.db.Read(blockKey(index), b)
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", index, err)
	}
	if !found {
		return nil, fmt.Errorf("block %d: %w", index, ErrBlockNotFound)
	}
	return b, nil
}

/*
forEach calls "f" for every stored block in index order. Iteration stops
when "f" returns error.
*/
func (bs blockStore) forEach(f func(key []byte, b *types.Block) error) (rErr error) {
	it := bs.db.First()
	defer func() { rErr = errors.Join(rErr, it.Close()) }()

	for ; it.Valid(); it.Next() {
		b := &types.Block{}
		if err := it.Value(b); err != nil {
			return fmt.Errorf("decoding block with key %X: %w", it.Key(), err)
		}
		if err := f(it.Key(), b); err != nil {
			return err
		}
	}
	return nil
}
