package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxStatus_Text(t *testing.T) {
	for _, s := range []TxStatus{TxPending, TxValidated, TxRejected, TxCompleted, TxFailed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got TxStatus
		require.NoError(t, got.UnmarshalText(text))
		require.Equal(t, s, got)
	}

	_, err := TxStatus(42).MarshalText()
	require.EqualError(t, err, "unknown transaction status 42")
	require.Equal(t, "TxStatus(42)", TxStatus(42).String())

	var s TxStatus
	require.EqualError(t, s.UnmarshalText([]byte("done")), `unknown transaction status "done"`)
}

func TestTxStatus_IsTerminal(t *testing.T) {
	require.False(t, TxPending.IsTerminal())
	require.False(t, TxValidated.IsTerminal())
	require.True(t, TxRejected.IsTerminal())
	require.True(t, TxCompleted.IsTerminal())
	require.True(t, TxFailed.IsTerminal())
}

func TestTxStatus_JSON(t *testing.T) {
	data, err := json.Marshal(struct{ S TxStatus }{S: TxValidated})
	require.NoError(t, err)
	require.JSONEq(t, `{"S":"validated"}`, string(data))
}
