package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/keyvaluedb"
	"github.com/atlys-org/atlys/keyvaluedb/memorydb"
	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
	"github.com/atlys-org/atlys/types"
)

const (
	DefaultDifficulty   = 4
	DefaultMiningReward = 10
)

type (
	Option func(*chainConfig)

	chainConfig struct {
		difficulty uint
		reward     uint64
		db         keyvaluedb.KeyValueDB
		clock      clock.Clock
	}

	/*
	Chain is proof-of-work Ledger implementation. Blocks are persisted in
	key-value DB, pending transactions are kept in memory.
	*/
	Chain struct {
		id         string
		difficulty uint
		reward     uint64
		verifier   crypto.Verifier
		store      blockStore
		clock      clock.Clock
		log        *slog.Logger
		tracer     trace.Tracer

		mu          sync.Mutex
		tip         *types.Block
		height      uint64
		pending     []*types.Transaction
		pendingIdx  map[string]struct{}
		committed   map[string]struct{} // hashes of the transactions on chain
		compromised *IntegrityError

		mBlocks  metric.Int64Counter
		mMineDur metric.Float64Histogram
		mTxs     metric.Int64Counter
	}
)

// WithDifficulty sets the number of leading zero hex digits required from block hash.
func WithDifficulty(difficulty uint) Option {
	return func(c *chainConfig) { c.difficulty = difficulty }
}

func WithMiningReward(reward uint64) Option {
	return func(c *chainConfig) { c.reward = reward }
}

// WithDB sets the block store, by default in-memory DB is used.
func WithDB(db keyvaluedb.KeyValueDB) Option {
	return func(c *chainConfig) { c.db = db }
}

func WithClock(clk clock.Clock) Option {
	return func(c *chainConfig) { c.clock = clk }
}

/*
NewChain creates new chain "id". Transaction signatures are verified using
"verifier". When the block store already contains blocks the chain is
restored from it (call ValidateIntegrity to verify it), otherwise
AppendGenesis must be called before the chain is usable.
*/
func NewChain(id string, verifier crypto.Verifier, obs Observability, opts ...Option) (*Chain, error) {
	if id == "" {
		return nil, errors.New("chain id must be assigned")
	}
	if verifier == nil {
		return nil, errors.New("signature verifier must be assigned")
	}
	cfg := chainConfig{
		difficulty: DefaultDifficulty,
		reward:     DefaultMiningReward,
		clock:      clock.New(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.db == nil {
		cfg.db = memorydb.New()
	}
	if cfg.difficulty > 64 {
		return nil, fmt.Errorf("difficulty %d exceeds hash length", cfg.difficulty)
	}

	c := &Chain{
		id:         id,
		difficulty: cfg.difficulty,
		reward:     cfg.reward,
		verifier:   verifier,
		store:      blockStore{db: cfg.db},
		clock:      cfg.clock,
		log:        obs.Logger().With(logger.Chain(id)),
		tracer:     obs.Tracer("ledger"),
		pendingIdx: make(map[string]struct{}),
	}
	if err := c.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if err := c.loadState(); err != nil {
		return nil, fmt.Errorf("loading chain state: %w", err)
	}
	return c, nil
}

func (c *Chain) ID() string { return c.id }

func (c *Chain) Difficulty() uint { return c.difficulty }

/*
loadState reads tip, height and committed transaction index from the block
store. Must be called holding the lock (or before the chain is shared).
*/
func (c *Chain) loadState() error {
	c.tip, c.height = nil, 0
	c.committed = make(map[string]struct{})
	return c.store.forEach(func(key []byte, b *types.Block) error {
		c.tip = b
		c.height++
		for _, tx := range b.Transactions {
			c.committed[tx.Hash()] = struct{}{}
		}
		return nil
	})
}

func (c *Chain) now() uint64 {
	return uint64(c.clock.Now().UnixMilli()) // #nosec G115
}

func (c *Chain) AppendGenesis(ctx context.Context) (*types.Block, error) {
	ctx, span := c.tracer.Start(ctx, "Chain.AppendGenesis", trace.WithAttributes(observability.Chain(c.id)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.height != 0 {
		return nil, ErrGenesisExists
	}

	g := types.NewGenesisBlock(c.now())
	if err := mineBlock(ctx, g, c.difficulty); err != nil {
		return nil, err
	}
	if err := c.store.write(g); err != nil {
		return nil, err
	}
	c.tip, c.height = g, 1
	c.log.InfoContext(ctx, fmt.Sprintf("genesis block %s", g.Hash))
	return g, nil
}

/*
AddTransaction adds signed transaction into the pending set. The ledger keeps
a copy of the transaction, later changes of "tx" are not reflected.
*/
func (c *Chain) AddTransaction(tx *types.Transaction) (rErr error) {
	defer func() {
		c.mTxs.Add(context.Background(), 1, metric.WithAttributes(observability.Chain(c.id), observability.ErrStatus(rErr)))
	}()
	if err := tx.IsValid(); err != nil {
		return err
	}
	if !tx.IsSigned() {
		return ErrTxNotSigned
	}
	data, err := tx.SigBytes()
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	if err := c.verifier.VerifyBytes(tx.Signature, data); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	hash := tx.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compromised != nil {
		return fmt.Errorf("%w: %w", ErrChainCompromised, c.compromised)
	}
	if _, ok := c.pendingIdx[hash]; ok {
		return fmt.Errorf("%w: %s", ErrTxDuplicate, hash)
	}
	if _, ok := c.committed[hash]; ok {
		return fmt.Errorf("%w: %s", ErrTxDuplicate, hash)
	}
	c.pending = append(c.pending, tx.Clone())
	c.pendingIdx[hash] = struct{}{}
	return nil
}

/*
MinePending builds new block out of the current pending transactions and the
mining reward transaction for "rewardAddress". Proof-of-work search runs
without holding the chain lock; transactions added meanwhile stay pending for
the next block. When the context is cancelled or another block was appended
during the search the pending set is left untouched.
*/
func (c *Chain) MinePending(ctx context.Context, rewardAddress string) (_ *types.Block, rErr error) {
	ctx, span := c.tracer.Start(ctx, "Chain.MinePending", trace.WithAttributes(observability.Chain(c.id)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()
	if rewardAddress == "" {
		return nil, errors.New("reward address must be assigned")
	}

	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	prev := c.tip
	txs := slices.Clone(c.pending)
	c.mu.Unlock()

	now := c.now()
	reward := types.NewRewardTransaction(c.id, rewardAddress, c.reward, now)
	reward.Nonce = prev.Index + 1
	b := &types.Block{
		Index:        prev.Index + 1,
		Timestamp:    now,
		Transactions: append(txs, reward),
		PreviousHash: prev.Hash,
	}
	span.SetAttributes(attribute.Int("tx.count", len(b.Transactions)), attribute.Int64("block.index", int64(b.Index))) // #nosec G115

	start := time.Now()
	err := mineBlock(ctx, b, c.difficulty)
	c.mMineDur.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observability.Chain(c.id), observability.ErrStatus(err)))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.tip.Hash != prev.Hash {
		return nil, ErrStaleTip
	}
	if err := c.store.write(b); err != nil {
		return nil, err
	}
	c.tip = b
	c.height++
	for _, tx := range b.Transactions {
		h := tx.Hash()
		c.committed[h] = struct{}{}
		delete(c.pendingIdx, h)
	}
	c.pending = slices.DeleteFunc(c.pending, func(tx *types.Transaction) bool {
		_, ok := c.committed[tx.Hash()]
		return ok
	})
	c.mBlocks.Add(ctx, 1, metric.WithAttributes(observability.Chain(c.id)))
	c.log.DebugContext(ctx, fmt.Sprintf("mined block %d with %d transactions, nonce %d", b.Index, len(b.Transactions), b.Nonce), logger.Data(b.Hash))
	return b, nil
}

// usable must be called holding the lock.
func (c *Chain) usable() error {
	if c.compromised != nil {
		return fmt.Errorf("%w: %w", ErrChainCompromised, c.compromised)
	}
	if c.tip == nil {
		return ErrNoGenesis
	}
	return nil
}

/*
Balance replays every stored block. Sender is debited when the transaction
originates from this chain, receiver is credited when this chain is the
destination. Empty chain ID in a transaction means "this chain".
*/
func (c *Chain) Balance(address string) (int64, error) {
	var balance int64
	err := c.store.forEach(func(_ []byte, b *types.Block) error {
		for _, tx := range b.Transactions {
			amount := int64(tx.Amount) // #nosec G115
			if tx.Sender == address && c.isLocal(tx.SourceChain) {
				balance -= amount
			}
			if tx.Receiver == address && c.isLocal(tx.DestinationChain) {
				balance += amount
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replaying chain %q: %w", c.id, err)
	}
	return balance, nil
}

func (c *Chain) isLocal(chainID string) bool {
	return chainID == "" || chainID == c.id
}

/*
ValidateIntegrity recalculates every stored block and verifies the links
between them. On failure *IntegrityError is returned and the chain refuses
transactions and mining until the check passes again. Successful check
reloads the chain state from the block store.
*/
func (c *Chain) ValidateIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *types.Block
	var index uint64
	err := c.store.forEach(func(key []byte, b *types.Block) error {
		if !slices.Equal(key, blockKey(index)) {
			return &IntegrityError{Chain: c.id, Index: index, Reason: fmt.Errorf("unexpected block key %X", key)}
		}
		if err := validateBlock(b, prev, index, c.difficulty); err != nil {
			return &IntegrityError{Chain: c.id, Index: index, Reason: err}
		}
		prev = b
		index++
		return nil
	})
	if err != nil {
		var ie *IntegrityError
		if !errors.As(err, &ie) {
			ie = &IntegrityError{Chain: c.id, Index: index, Reason: err}
		}
		if c.compromised == nil {
			c.log.Error("chain integrity check failed", logger.Error(ie))
		}
		c.compromised = ie
		return ie
	}

	if c.compromised != nil {
		c.log.Info("chain integrity restored")
	}
	c.compromised = nil
	return c.loadState()
}

func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *Chain) LatestBlock() (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tip == nil {
		return nil, ErrNoGenesis
	}
	return c.store.read(c.tip.Index)
}

// Block returns the block from the store, ie it is not verified.
func (c *Chain) Block(index uint64) (*types.Block, error) {
	return c.store.read(index)
}

func (c *Chain) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending returns copies of the pending transactions in admission order.
func (c *Chain) Pending() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	txs := make([]*types.Transaction, len(c.pending))
	for i, tx := range c.pending {
		txs[i] = tx.Clone()
	}
	return txs
}

func (c *Chain) initMetrics(obs Observability) (err error) {
	m := obs.Meter("ledger")

	if c.mBlocks, err = m.Int64Counter("blocks",
		metric.WithDescription("Number of blocks mined."),
		metric.WithUnit("{block}")); err != nil {
		return fmt.Errorf("creating blocks counter: %w", err)
	}
	if c.mTxs, err = m.Int64Counter("tx.admission",
		metric.WithDescription("Number of transactions offered to the ledger, status indicates whether it was admitted."),
		metric.WithUnit("{transaction}")); err != nil {
		return fmt.Errorf("creating transaction counter: %w", err)
	}
	if c.mMineDur, err = m.Float64Histogram("mining.duration",
		metric.WithDescription("How long it took to find the proof-of-work nonce."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return fmt.Errorf("creating mining duration histogram: %w", err)
	}
	if _, err = m.Int64ObservableUpDownCounter("pending",
		metric.WithDescription("Number of transactions waiting to be mined."),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(c.PendingCount()), metric.WithAttributes(observability.Chain(c.id)))
			return nil
		})); err != nil {
		return fmt.Errorf("creating pending transactions gauge: %w", err)
	}
	return nil
}
