package testsig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/types"
)

// test keys are small to keep the tests fast
const testKeyBits = 1024

func CreateSignerAndVerifier(t *testing.T) (crypto.Signer, crypto.Verifier) {
	t.Helper()
	signer, err := crypto.NewInMemoryRSASigner(testKeyBits)
	require.NoError(t, err)

	verifier, err := signer.Verifier()
	require.NoError(t, err)
	return signer, verifier
}

func CreateSecp256K1SignerAndVerifier(t *testing.T) (crypto.Signer, crypto.Verifier) {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)

	verifier, err := signer.Verifier()
	require.NoError(t, err)
	return signer, verifier
}

// SignTx signs the transaction in place.
func SignTx(t *testing.T, signer crypto.Signer, tx *types.Transaction) *types.Transaction {
	t.Helper()
	data, err := tx.SigBytes()
	require.NoError(t, err)
	tx.Signature, err = signer.SignBytes(data)
	require.NoError(t, err)
	return tx
}

func PublicKey(t *testing.T, v crypto.Verifier) []byte {
	t.Helper()
	pubKey, err := v.MarshalPublicKey()
	require.NoError(t, err)
	return pubKey
}
