package bridge

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
	"github.com/atlys-org/atlys/types"
)

type (
	// Report summarizes one ProcessPending pass.
	Report struct {
		Committed int       `json:"committed"`
		Failed    int       `json:"failed"`
		Failures  []Failure `json:"failures,omitempty"`
	}

	Failure struct {
		TxHash string `json:"tx_hash"`
		Reason string `json:"reason"`
	}
)

/*
ProcessPending commits every queued transaction into its ledgers: the source
leg into the source chain and then the destination leg into the destination
chain (single leg when both are the same chain). Successfully committed
transaction becomes "completed", any failure makes it "failed", one failure
doesn't stop the pass.

Transactions are claimed under the bridge lock so concurrent passes never
commit the same transaction twice. When ctx is cancelled the unprocessed
transactions are returned to the front of their queues.

The legs are not atomic: when the destination leg fails after the source leg
was committed the transaction is "failed" while the source chain has debited
the sender.
*/
func (b *Bridge) ProcessPending(ctx context.Context) Report {
	ctx, span := b.tracer.Start(ctx, "Bridge.ProcessPending")
	defer span.End()

	claimed := b.claimQueued()
	var rep Report
	for i, tx := range claimed {
		if ctx.Err() != nil {
			b.requeue(claimed[i:])
			b.log.DebugContext(ctx, fmt.Sprintf("processing cancelled, %d transfers requeued", len(claimed)-i))
			break
		}
		txHash := tx.Hash()
		err := b.commit(tx)

		b.mu.Lock()
		if err == nil {
			tx.Status = types.TxCompleted
			b.completed = append(b.completed, txHash)
			rep.Committed++
		} else {
			tx.Status = types.TxFailed
			tx.FailureReason = err.Error()
			b.failed = append(b.failed, txHash)
			rep.Failed++
			rep.Failures = append(rep.Failures, Failure{TxHash: txHash, Reason: tx.FailureReason})
		}
		b.mu.Unlock()

		if err != nil {
			b.log.WarnContext(ctx, "committing transfer", logger.TxHash(txHash), logger.Error(err))
		}
		b.mTransfers.Add(ctx, 1, observability.Route(tx.SourceChain, tx.DestinationChain, attribute.String("status", tx.Status.String())))
	}
	span.SetAttributes(attribute.Int("committed", rep.Committed), attribute.Int("failed", rep.Failed))
	return rep
}

// claimQueued empties all the queues, returned transactions are owned by the caller until status is assigned.
func (b *Bridge) claimQueued() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var claimed []*types.Transaction
	for _, id := range ids {
		claimed = append(claimed, b.queues[id]...)
		b.queues[id] = nil
	}
	return claimed
}

func (b *Bridge) requeue(txs []*types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(txs) - 1; i >= 0; i-- {
		id := txs[i].SourceChain
		b.queues[id] = slices.Insert(b.queues[id], 0, txs[i])
	}
}

func (b *Bridge) commit(tx *types.Transaction) error {
	src, err := b.Ledger(tx.SourceChain)
	if err != nil {
		return fmt.Errorf("source leg: %w", err)
	}
	dst, err := b.Ledger(tx.DestinationChain)
	if err != nil {
		return fmt.Errorf("destination leg: %w", err)
	}

	b.mu.Lock()
	leg := tx.Clone()
	b.mu.Unlock()
	if err := src.AddTransaction(leg); err != nil {
		return fmt.Errorf("source leg on chain %q: %w", tx.SourceChain, err)
	}
	if tx.DestinationChain == tx.SourceChain {
		return nil
	}
	if err := dst.AddTransaction(leg); err != nil {
		return fmt.Errorf("destination leg on chain %q: %w", tx.DestinationChain, err)
	}
	return nil
}

/*
Run calls ProcessPending every "interval" until ctx is cancelled.
*/
func (b *Bridge) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("processing interval must be positive, got %s", interval)
	}
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if rep := b.ProcessPending(ctx); rep.Committed+rep.Failed > 0 {
				b.log.InfoContext(ctx, fmt.Sprintf("processed transfers: %d committed, %d failed", rep.Committed, rep.Failed))
			}
		}
	}
}
