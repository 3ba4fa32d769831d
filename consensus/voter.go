package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/types"
)

var (
	errSignatureInvalid = errors.New("signature is missing or invalid")
	errAmountTooLarge   = errors.New("amount exceeds limit")
	errNonceSeen        = errors.New("nonce already used by the sender")
)

type (
	/*
	Voter casts the vote of the quorum member "validator" on transaction "tx".
	Returning error counts as rejection.
	*/
	Voter interface {
		Vote(ctx context.Context, validator ValidatorInfo, tx *types.Transaction) (bool, error)
	}

	VoterFunc func(ctx context.Context, validator ValidatorInfo, tx *types.Transaction) (bool, error)

	/*
	checkingVoter is the default Voter, it approves transaction which has valid
	signature, amount within limit and sender nonce not accepted before.
	*/
	checkingVoter struct {
		verifier  crypto.Verifier
		maxAmount uint64 // zero means unlimited
		nonceSeen func(sender string, nonce uint64) bool
	}
)

func (f VoterFunc) Vote(ctx context.Context, validator ValidatorInfo, tx *types.Transaction) (bool, error) {
	return f(ctx, validator, tx)
}

func (v checkingVoter) Vote(ctx context.Context, _ ValidatorInfo, tx *types.Transaction) (bool, error) {
	data, err := tx.SigBytes()
	if err != nil {
		return false, fmt.Errorf("encoding transaction: %w", err)
	}
	if !crypto.Verify(v.verifier, tx.Signature, data) {
		return false, errSignatureInvalid
	}
	if v.maxAmount != 0 && tx.Amount > v.maxAmount {
		return false, fmt.Errorf("%w: %d > %d", errAmountTooLarge, tx.Amount, v.maxAmount)
	}
	if v.nonceSeen(tx.Sender, tx.Nonce) {
		return false, fmt.Errorf("%w: %d", errNonceSeen, tx.Nonce)
	}
	return true, nil
}
