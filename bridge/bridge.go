package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlys-org/atlys/consensus"
	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/ledger"
	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
	"github.com/atlys-org/atlys/types"
)

var (
	ErrChainRegistered  = errors.New("chain already registered")
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrTxNotFound       = errors.New("transaction not found")
)

type (
	// Validator decides whether the transaction may be committed.
	Validator interface {
		Validate(ctx context.Context, tx *types.Transaction) (*consensus.Decision, error)
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// ConfigurationError is returned when the operation refers to a chain the bridge is not configured for.
	ConfigurationError struct {
		Chain string
		Err   error
	}

	Option func(*Bridge)

	/*
	Bridge moves value between the registered chains. Transfers are signed by
	the bridge, validated by the consensus and queued on the source chain
	until ProcessPending commits them into the ledgers.
	*/
	Bridge struct {
		signer       crypto.Signer
		verifier     crypto.Verifier
		validator    Validator
		defaultToken string
		clock        clock.Clock
		log          *slog.Logger
		tracer       trace.Tracer

		mu     sync.Mutex
		chains map[string]ledger.Ledger
		queues map[string][]*types.Transaction // validated transactions per source chain, FIFO
		txs    map[string]*types.Transaction   // all the transactions the bridge has seen, by hash
		nonces map[string]uint64               // last nonce assigned per sender
		// hashes of the transactions in terminal status, in the order they reached it
		completed []string
		failed    []string
		rejected  []string

		mTransfers metric.Int64Counter
	}
)

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("chain %q: %v", e.Chain, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) { b.clock = clk }
}

// WithDefaultToken sets the token symbol used when transfer request doesn't specify one.
func WithDefaultToken(symbol string) Option {
	return func(b *Bridge) { b.defaultToken = symbol }
}

/*
New creates bridge which signs the transfers with "signer" and validates them
using "validator" (normally *consensus.Engine).
*/
func New(signer crypto.Signer, validator Validator, obs Observability, opts ...Option) (*Bridge, error) {
	if signer == nil {
		return nil, crypto.ErrSignerIsNil
	}
	if validator == nil {
		return nil, errors.New("transaction validator must be assigned")
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("creating signature verifier: %w", err)
	}

	b := &Bridge{
		signer:       signer,
		verifier:     verifier,
		validator:    validator,
		defaultToken: types.NativeToken.Symbol,
		clock:        clock.New(),
		log:          obs.Logger(),
		tracer:       obs.Tracer("bridge"),
		chains:       make(map[string]ledger.Ledger),
		queues:       make(map[string][]*types.Transaction),
		txs:          make(map[string]*types.Transaction),
		nonces:       make(map[string]uint64),
	}
	for _, o := range opts {
		o(b)
	}
	if b.defaultToken == "" {
		return nil, errors.New("default token symbol must not be empty")
	}
	if err := b.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return b, nil
}

// Verifier returns the verifier of the bridge signatures, ledgers must use it for admission.
func (b *Bridge) Verifier() crypto.Verifier { return b.verifier }

/*
RegisterChain adds ledger "l" as chain "id". The id must be the id of the
ledger as balances are folded by matching transaction chains with it. Chain
can't be re-registered, on error the bridge state is not changed.
*/
func (b *Bridge) RegisterChain(id string, l ledger.Ledger) error {
	if id == "" {
		return &ConfigurationError{Chain: id, Err: errors.New("chain id must not be empty")}
	}
	if l == nil {
		return &ConfigurationError{Chain: id, Err: errors.New("ledger is nil")}
	}
	if l.ID() != id {
		return &ConfigurationError{Chain: id, Err: fmt.Errorf("ledger id %q does not match the chain id", l.ID())}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chains[id]; ok {
		return &ConfigurationError{Chain: id, Err: ErrChainRegistered}
	}
	b.chains[id] = l
	b.queues[id] = nil
	b.log.Info("registered chain", logger.Chain(id))
	return nil
}

// Chains returns ids of the registered chains in sorted order.
func (b *Bridge) Chains() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.chains))
	for id := range b.chains {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (b *Bridge) Ledger(id string) (ledger.Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.chains[id]
	if !ok {
		return nil, &ConfigurationError{Chain: id, Err: ErrUnsupportedChain}
	}
	return l, nil
}

// VerifyTransaction returns true when "tx" carries valid bridge signature.
func (b *Bridge) VerifyTransaction(tx *types.Transaction) bool {
	if tx == nil {
		return false
	}
	data, err := tx.SigBytes()
	if err != nil {
		return false
	}
	return crypto.Verify(b.verifier, tx.Signature, data)
}

// Transaction returns copy of the transaction with given hash, in its current status.
func (b *Bridge) Transaction(hash string) (*types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	return tx.Clone(), nil
}

func (b *Bridge) Completed() []*types.Transaction { return b.history(&b.completed) }

func (b *Bridge) Failed() []*types.Transaction { return b.history(&b.failed) }

func (b *Bridge) Rejected() []*types.Transaction { return b.history(&b.rejected) }

func (b *Bridge) history(hashes *[]string) []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := make([]*types.Transaction, len(*hashes))
	for i, h := range *hashes {
		r[i] = b.txs[h].Clone()
	}
	return r
}

// Pending returns the validated transactions waiting to be committed from chain "chainID".
func (b *Bridge) Pending(chainID string) []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[chainID]
	r := make([]*types.Transaction, len(q))
	for i, tx := range q {
		r[i] = tx.Clone()
	}
	return r
}

func (b *Bridge) now() uint64 {
	return uint64(b.clock.Now().UnixMilli()) // #nosec G115
}

func (b *Bridge) initMetrics(obs Observability) (err error) {
	m := obs.Meter("bridge")

	if b.mTransfers, err = m.Int64Counter("transfers",
		metric.WithDescription("Number of transfers which reached terminal status or was validated, by status and route."),
		metric.WithUnit("{transaction}")); err != nil {
		return fmt.Errorf("creating transfers counter: %w", err)
	}
	if _, err = m.Int64ObservableUpDownCounter("queue.size",
		metric.WithDescription("Number of validated transfers waiting to be committed, by source chain."),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			for id, q := range b.queues {
				io.Observe(int64(len(q)), metric.WithAttributes(observability.Chain(id)))
			}
			return nil
		})); err != nil {
		return fmt.Errorf("creating queue size gauge: %w", err)
	}
	return nil
}
