package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlys-org/atlys/crypto"
)

func TestKeyCmd(t *testing.T) {
	home := t.TempDir()
	keyFile := filepath.Join(home, "keys", "bridge.pem")

	out, err := runCmd(t, "key", "--home", home, "--key-file", "keys/bridge.pem", "--bits", "1024")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "-----BEGIN PUBLIC KEY-----"), out)

	signer, err := crypto.LoadRSASigner(keyFile)
	require.NoError(t, err)
	verifier, err := signer.Verifier()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKeyPEM(verifier)
	require.NoError(t, err)
	require.Equal(t, string(pub), out)

	// existing key is not overwritten
	_, err = runCmd(t, "key", "--home", home, "--key-file", keyFile, "--bits", "1024")
	require.ErrorContains(t, err, "already exists")
	same, err := crypto.LoadRSASigner(keyFile)
	require.NoError(t, err)
	require.Equal(t, marshalKey(t, signer), marshalKey(t, same))

	out, err = runCmd(t, "key", "--home", home, "--key-file", keyFile, "--bits", "1024", "--force")
	require.NoError(t, err)
	require.NotEqual(t, string(pub), out)
}

func marshalKey(t *testing.T, s crypto.Signer) []byte {
	t.Helper()
	der, err := s.MarshalPrivateKey()
	require.NoError(t, err)
	return der
}
