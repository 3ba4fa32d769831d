package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// NetworkSender is the sender of mining reward transactions.
const NetworkSender = "network"

var (
	ErrTxIsNil       = errors.New("transaction is nil")
	ErrTxNotSigned   = errors.New("transaction is not signed")
	ErrSenderEmpty   = errors.New("sender is unassigned")
	ErrReceiverEmpty = errors.New("receiver is unassigned")
)

type (
	/*
	Transaction is a value transfer, possibly between two chains.

	Only the fields covered by SigBytes are signed and hashed, Status and
	FailureReason change during the lifecycle of the transaction.
	*/
	Transaction struct {
		_                struct{} `cbor:",toarray"`
		SourceChain      string   `json:"source_chain"`
		DestinationChain string   `json:"destination_chain"`
		Sender           string   `json:"sender"`
		Receiver         string   `json:"receiver"`
		Amount           uint64   `json:"amount"`
		TokenSymbol      string   `json:"token_symbol"`
		Nonce            uint64   `json:"nonce"`
		Timestamp        uint64   `json:"timestamp"` // unix milliseconds
		Signature        Bytes    `json:"signature,omitempty"`
		Status           TxStatus `json:"status"`
		FailureReason    string   `json:"failure_reason,omitempty"`
	}

	// txSigData fixes the order of the signed fields, do not reorder!
	txSigData struct {
		_                struct{} `cbor:",toarray"`
		SourceChain      string
		DestinationChain string
		Sender           string
		Receiver         string
		Amount           uint64
		TokenSymbol      string
		Nonce            uint64
		Timestamp        uint64
	}
)

/*
NewRewardTransaction creates the mining reward transaction credited to
"receiver" on chain "chainID".
*/
func NewRewardTransaction(chainID, receiver string, amount, timestamp uint64) *Transaction {
	return &Transaction{
		SourceChain:      chainID,
		DestinationChain: chainID,
		Sender:           NetworkSender,
		Receiver:         receiver,
		Amount:           amount,
		TokenSymbol:      NativeToken.Symbol,
		Timestamp:        timestamp,
		Status:           TxCompleted,
	}
}

/*
SigBytes returns the canonical encoding of the transaction, ie CBOR array

	[source_chain, destination_chain, sender, receiver, amount, token_symbol, nonce, timestamp]

These bytes are signed, verified and hashed.
*/
func (tx *Transaction) SigBytes() ([]byte, error) {
	if tx == nil {
		return nil, ErrTxIsNil
	}
	return Cbor.Marshal(txSigData{
		SourceChain:      tx.SourceChain,
		DestinationChain: tx.DestinationChain,
		Sender:           tx.Sender,
		Receiver:         tx.Receiver,
		Amount:           tx.Amount,
		TokenSymbol:      tx.TokenSymbol,
		Nonce:            tx.Nonce,
		Timestamp:        tx.Timestamp,
	})
}

// Hash returns hex encoded SHA-256 hash of the SigBytes.
func (tx *Transaction) Hash() string {
	data, err := tx.SigBytes()
	if err != nil {
		// only strings and integers are encoded, this can't fail for non-nil tx
		panic(fmt.Errorf("encoding transaction: %w", err))
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (tx *Transaction) IsSigned() bool {
	return tx != nil && len(tx.Signature) > 0
}

// IsCrossChain returns true when source and destination chains differ.
func (tx *Transaction) IsCrossChain() bool {
	return tx.SourceChain != tx.DestinationChain
}

func (tx *Transaction) IsReward() bool {
	return tx.Sender == NetworkSender
}

func (tx *Transaction) IsValid() error {
	if tx == nil {
		return ErrTxIsNil
	}
	if tx.Sender == "" {
		return ErrSenderEmpty
	}
	if tx.Receiver == "" {
		return ErrReceiverEmpty
	}
	return nil
}

// Clone returns deep copy of the transaction.
func (tx *Transaction) Clone() *Transaction {
	if tx == nil {
		return nil
	}
	c := *tx
	if tx.Signature != nil {
		c.Signature = append(Bytes(nil), tx.Signature...)
	}
	return &c
}
