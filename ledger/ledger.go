package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlys-org/atlys/types"
)

var (
	ErrGenesisExists    = errors.New("genesis block already exists")
	ErrNoGenesis        = errors.New("chain has no genesis block")
	ErrTxNotSigned      = types.ErrTxNotSigned
	ErrInvalidSignature = errors.New("invalid transaction signature")
	ErrTxDuplicate      = errors.New("transaction already pending or committed")
	ErrChainCompromised = errors.New("chain failed integrity check")
	ErrStaleTip         = errors.New("chain tip changed while mining")
	ErrBlockNotFound    = errors.New("block not found")
)

type (
	/*
	Ledger is an append-only chain of proof-of-work blocks which owns
	transaction admission and balance derivation of one logical chain.
	*/
	Ledger interface {
		ID() string
		// AppendGenesis mines and stores block 0.
		AppendGenesis(ctx context.Context) (*types.Block, error)
		// AddTransaction admits signed transaction into the pending set.
		AddTransaction(tx *types.Transaction) error
		// MinePending mines the pending transactions (plus reward for "rewardAddress") into new block.
		MinePending(ctx context.Context, rewardAddress string) (*types.Block, error)
		// Balance replays all the blocks to calculate balance of the "address".
		Balance(address string) (int64, error)
		// ValidateIntegrity recalculates and checks every stored block, returns *IntegrityError on failure.
		ValidateIntegrity() error
		// Height returns number of blocks in the chain (including genesis).
		Height() uint64
		LatestBlock() (*types.Block, error)
		Block(index uint64) (*types.Block, error)
		PendingCount() int
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

/*
IntegrityError describes the first block which failed the integrity check.
Chain which has failed the check refuses new transactions and blocks until
it passes the check again.
*/
type IntegrityError struct {
	Chain  string
	Index  uint64
	Reason error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain %q block %d: %v", e.Chain, e.Index, e.Reason)
}

func (e *IntegrityError) Unwrap() []error {
	return []error{ErrChainCompromised, e.Reason}
}
