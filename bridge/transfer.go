package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
	"github.com/atlys-org/atlys/types"
)

// TransferRequest describes the value transfer the caller wants the bridge to make.
type TransferRequest struct {
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Amount           uint64 `json:"amount"`
	TokenSymbol      string `json:"token_symbol,omitempty"` // default token is used when empty
}

/*
InitiateTransfer creates, signs and validates the transfer described by "req".

Both chains must be registered, otherwise *ConfigurationError wrapping
ErrUnsupportedChain is returned and nothing is recorded. Transaction accepted
by the consensus gets status "validated" and is queued for commit on the
source chain; rejected transaction gets status "rejected" and is kept in the
history only, rejection is not an error. Validator errors (ie not enough
validators) are returned as is and the nonce is not consumed.

Returned transaction is a copy, the bridge keeps its own instance.
*/
func (b *Bridge) InitiateTransfer(ctx context.Context, req TransferRequest) (_ *types.Transaction, rErr error) {
	ctx, span := b.tracer.Start(ctx, "Bridge.InitiateTransfer", trace.WithAttributes(
		attribute.String("chain.source", req.SourceChain),
		attribute.String("chain.destination", req.DestinationChain)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()

	if req.Sender == "" {
		return nil, types.ErrSenderEmpty
	}
	if req.Receiver == "" {
		return nil, types.ErrReceiverEmpty
	}
	tx := &types.Transaction{
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		Amount:           req.Amount,
		TokenSymbol:      req.TokenSymbol,
		Timestamp:        b.now(),
		Status:           types.TxPending,
	}
	if tx.TokenSymbol == "" {
		tx.TokenSymbol = b.defaultToken
	}

	if err := b.assignNonce(tx); err != nil {
		return nil, err
	}
	if err := b.sign(tx); err != nil {
		return nil, err
	}
	txHash := tx.Hash()
	span.SetAttributes(observability.TxHash(txHash))
	log := b.log.With(logger.TxHash(txHash))

	decision, err := b.validator.Validate(ctx, tx.Clone())
	if err != nil {
		b.releaseNonce(tx)
		return nil, fmt.Errorf("validating transfer: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[txHash] = tx
	if decision.Accepted {
		tx.Status = types.TxValidated
		b.queues[tx.SourceChain] = append(b.queues[tx.SourceChain], tx)
		log.DebugContext(ctx, fmt.Sprintf("transfer validated, %d%% approved", decision.Ratio))
	} else {
		tx.Status = types.TxRejected
		tx.FailureReason = fmt.Sprintf("rejected by consensus: %d of %d validators approved", decision.Approvals, len(decision.Votes))
		b.rejected = append(b.rejected, txHash)
		log.InfoContext(ctx, "transfer rejected", logger.Data(decision))
	}
	b.mTransfers.Add(ctx, 1, observability.Route(tx.SourceChain, tx.DestinationChain, attribute.String("status", tx.Status.String())))
	return tx.Clone(), nil
}

// assignNonce checks that the chains of "tx" are registered and assigns next nonce of the sender.
func (b *Bridge) assignNonce(tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range []string{tx.SourceChain, tx.DestinationChain} {
		if _, ok := b.chains[id]; !ok {
			return &ConfigurationError{Chain: id, Err: ErrUnsupportedChain}
		}
	}
	b.nonces[tx.Sender]++
	tx.Nonce = b.nonces[tx.Sender]
	return nil
}

/*
releaseNonce gives the nonce of "tx" back to the sender when no later nonce has
been assigned meanwhile. Otherwise the sender's nonce sequence has a gap.
*/
func (b *Bridge) releaseNonce(tx *types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nonces[tx.Sender] == tx.Nonce {
		b.nonces[tx.Sender]--
	}
}

func (b *Bridge) sign(tx *types.Transaction) error {
	data, err := tx.SigBytes()
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	if tx.Signature, err = b.signer.SignBytes(data); err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}
	if len(tx.Signature) == 0 {
		return errors.New("signer returned empty signature")
	}
	return nil
}
