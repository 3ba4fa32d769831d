package ledger

import (
	"context"
	"fmt"

	"github.com/atlys-org/atlys/types"
)

// nonces tried between checks of the context
const cancelCheckInterval = 1 << 12

// MeetsDifficulty returns true when hex encoded "hash" starts with "difficulty" zeroes.
func MeetsDifficulty(hash string, difficulty uint) bool {
	if uint(len(hash)) < difficulty {
		return false
	}
	for i := range difficulty {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

/*
mineBlock searches for the nonce for which the block hash meets the difficulty
and assigns Nonce and Hash fields of the block. Every added hex zero multiplies
the expected work by 16.
*/
func mineBlock(ctx context.Context, b *types.Block, difficulty uint) error {
	hash := b.NonceHasher()
	for nonce := uint64(0); ; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining block %d: %w", b.Index, err)
			}
		}
		if h := hash(nonce); MeetsDifficulty(h, difficulty) {
			b.Nonce = nonce
			b.Hash = h
			return nil
		}
	}
}

// validateBlock checks block "b" at position "index" of the chain against its predecessor "prev".
func validateBlock(b, prev *types.Block, index uint64, difficulty uint) error {
	if b.Index != index {
		return fmt.Errorf("block index is %d, expected %d", b.Index, index)
	}
	if err := b.IsValid(); err != nil {
		return err
	}
	if prev == nil {
		if b.PreviousHash != types.GenesisPreviousHash {
			return fmt.Errorf("genesis previous hash is %q, expected %q", b.PreviousHash, types.GenesisPreviousHash)
		}
		if len(b.Transactions) != 0 {
			return fmt.Errorf("genesis block has %d transactions", len(b.Transactions))
		}
	} else if b.PreviousHash != prev.Hash {
		return fmt.Errorf("previous hash %s doesn't match hash %s of block %d", b.PreviousHash, prev.Hash, prev.Index)
	}
	if !MeetsDifficulty(b.Hash, difficulty) {
		return fmt.Errorf("block hash %s doesn't meet difficulty %d", b.Hash, difficulty)
	}
	return nil
}
