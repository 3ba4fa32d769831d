package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// GenesisPreviousHash is the previous hash sentinel of the genesis block.
const GenesisPreviousHash = "0"

var (
	ErrBlockIsNil         = errors.New("block is nil")
	ErrPrevBlockHashEmpty = errors.New("previous block hash is empty")
	ErrBlockHashMismatch  = errors.New("stored block hash does not match calculated hash")
)

type (
	Block struct {
		_            struct{}       `cbor:",toarray"`
		Index        uint64         `json:"index"`
		Timestamp    uint64         `json:"timestamp"` // unix milliseconds
		Transactions []*Transaction `json:"transactions"`
		PreviousHash string         `json:"previous_hash"`
		Nonce        uint64         `json:"nonce"`
		Hash         string         `json:"hash"`
	}

	blockHashData struct {
		_            struct{} `cbor:",toarray"`
		Index        uint64
		Timestamp    uint64
		TxHashes     []string
		PreviousHash string
		Nonce        uint64
	}
)

// NewGenesisBlock returns unmined genesis block.
func NewGenesisBlock(timestamp uint64) *Block {
	return &Block{
		Index:        0,
		Timestamp:    timestamp,
		Transactions: []*Transaction{},
		PreviousHash: GenesisPreviousHash,
	}
}

/*
CalculateHash returns hex encoded SHA-256 hash of the CBOR array

	[index, timestamp, [tx hashes in block order], previous_hash, nonce]

The stored Hash field is not an input.
*/
func (b *Block) CalculateHash() string {
	return b.NonceHasher()(b.Nonce)
}

/*
NonceHasher returns func which calculates the hash of the block with given
nonce, ie CalculateHash with Nonce replaced. Transaction hashes are
calculated once, when NonceHasher is called.
*/
func (b *Block) NonceHasher() func(nonce uint64) string {
	hd := blockHashData{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		TxHashes:     b.TxHashes(),
		PreviousHash: b.PreviousHash,
	}
	return func(nonce uint64) string {
		hd.Nonce = nonce
		data, err := Cbor.Marshal(hd)
		if err != nil {
			panic(fmt.Errorf("encoding block header: %w", err))
		}
		h := sha256.Sum256(data)
		return hex.EncodeToString(h[:])
	}
}

func (b *Block) TxHashes() []string {
	hashes := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}

func (b *Block) IsGenesis() bool {
	return b != nil && b.Index == 0 && b.PreviousHash == GenesisPreviousHash
}

// IsValid checks that the block is well formed and that its stored hash is correct.
func (b *Block) IsValid() error {
	if b == nil {
		return ErrBlockIsNil
	}
	if b.PreviousHash == "" {
		return ErrPrevBlockHashEmpty
	}
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("transaction %d: %w", i, ErrTxIsNil)
		}
	}
	if h := b.CalculateHash(); h != b.Hash {
		return fmt.Errorf("block %d: %w", b.Index, ErrBlockHashMismatch)
	}
	return nil
}
